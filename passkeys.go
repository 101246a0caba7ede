package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

// PasskeySource is the account store the filter is rebuilt from.
type PasskeySource interface {
	// Passkeys returns every passkey allowed to announce.
	Passkeys(ctx context.Context) ([]string, error)
	// Stamp changes whenever the set of passkeys may have changed.
	Stamp() (uint64, error)
}

const maxPasskeyLen = 64

// validPasskey accepts 1-64 characters of [A-Za-z0-9_-].
func validPasskey(s string) bool {
	if s == "" || len(s) > maxPasskeyLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// FilePasskeys reads one passkey per line. Empty lines and lines starting
// with # are ignored.
type FilePasskeys struct {
	path string
}

func NewFilePasskeys(path string) *FilePasskeys {
	return &FilePasskeys{path: path}
}

func (fp *FilePasskeys) Passkeys(ctx context.Context) ([]string, error) {
	//nolint:gosec // Path is controlled by admin
	file, err := os.Open(fp.path)
	if err != nil {
		return nil, errors.Wrap(err, "open passkey file")
	}
	//nolint:errcheck // File close errors ignored during read
	defer file.Close()

	var keys []string
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !validPasskey(line) {
			info("passkey file line %d: invalid passkey, skipping", lineNum)
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read passkey file")
	}
	return keys, nil
}

// Stamp is the file's modification time.
func (fp *FilePasskeys) Stamp() (uint64, error) {
	fi, err := os.Stat(fp.path)
	if err != nil {
		return 0, errors.Wrap(err, "stat passkey file")
	}
	//nolint:gosec // G115: mtimes are after the epoch
	return uint64(fi.ModTime().UnixNano()), nil
}

var passkeyBucket = []byte("passkeys")

// roleActive is the account role bit that allows announcing.
const roleActive uint64 = 1

// BoltPasskeys keeps accounts in a bbolt database: bucket "passkeys", key is
// the passkey, value is the 8-byte big-endian role bit set.
type BoltPasskeys struct {
	db *bbolt.DB
}

type PasskeyEntry struct {
	Passkey string
	Role    uint64
}

func (e PasskeyEntry) Active() bool {
	return e.Role&roleActive != 0
}

func OpenBoltPasskeys(path string) (*BoltPasskeys, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open passkey db %q", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(passkeyBucket)
		return err2
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create passkey bucket")
	}
	return &BoltPasskeys{db: db}, nil
}

func (b *BoltPasskeys) Close() error {
	return b.db.Close()
}

func (b *BoltPasskeys) Put(passkey string, role uint64) error {
	if !validPasskey(passkey) {
		return errors.Errorf("invalid passkey %q", passkey)
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], role)
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(passkeyBucket).Put([]byte(passkey), v[:])
	})
}

func (b *BoltPasskeys) Delete(passkey string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(passkeyBucket).Delete([]byte(passkey))
	})
}

// List returns every account sorted by passkey, active or not.
func (b *BoltPasskeys) List() ([]PasskeyEntry, error) {
	var entries []PasskeyEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(passkeyBucket).ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				debug("passkey %q has malformed role (%d bytes), skipping", k, len(v))
				return nil
			}
			entries = append(entries, PasskeyEntry{
				Passkey: string(k),
				Role:    binary.BigEndian.Uint64(v),
			})
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "list passkeys")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Passkey < entries[j].Passkey })
	return entries, nil
}

// Passkeys returns the passkeys of active accounts.
func (b *BoltPasskeys) Passkeys(ctx context.Context) ([]string, error) {
	entries, err := b.List()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Active() {
			keys = append(keys, e.Passkey)
		}
	}
	return keys, nil
}

// Stamp is the id of the last committed write transaction.
func (b *BoltPasskeys) Stamp() (uint64, error) {
	var id int
	err := b.db.View(func(tx *bbolt.Tx) error {
		id = tx.ID()
		return nil
	})
	//nolint:gosec // G115: transaction ids are positive
	return uint64(id), err
}

// passkeyRefresher keeps the filter in step with its source: it bootstraps
// the filter and rebuilds it when it outgrows its capacity or the source
// changes.
type passkeyRefresher struct {
	source    PasskeySource
	filter    *PasskeyFilter
	lastStamp uint64
}

func newPasskeyRefresher(source PasskeySource, filter *PasskeyFilter) *passkeyRefresher {
	return &passkeyRefresher{source: source, filter: filter}
}

// bootstrap loads every passkey into the filter. It runs before the server
// accepts announces.
func (r *passkeyRefresher) bootstrap(ctx context.Context) error {
	stamp, err := r.source.Stamp()
	if err != nil {
		return err
	}
	keys, err := r.source.Passkeys(ctx)
	if err != nil {
		return err
	}
	r.filter.Expand(keys)
	r.lastStamp = stamp
	info("loaded %d passkeys", len(keys))
	return nil
}

// refresh rebuilds the filter if needed and reports whether it did.
func (r *passkeyRefresher) refresh(ctx context.Context) (bool, error) {
	stamp, err := r.source.Stamp()
	if err != nil {
		return false, err
	}
	if stamp == r.lastStamp && !r.filter.CheckExpand() {
		return false, nil
	}
	keys, err := r.source.Passkeys(ctx)
	if err != nil {
		return false, err
	}
	if !r.filter.Expand(keys) {
		// Another rebuild is running; retry on the next tick.
		return false, nil
	}
	r.lastStamp = stamp
	return true, nil
}

// expandIfNeeded is the on-demand path taken after filter updates.
func (r *passkeyRefresher) expandIfNeeded(ctx context.Context) {
	if !r.filter.CheckExpand() {
		return
	}
	keys, err := r.source.Passkeys(ctx)
	if err != nil {
		warn("failed to load passkeys for filter expansion: %v", err)
		return
	}
	r.filter.Expand(keys)
}

func (r *passkeyRefresher) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.refresh(ctx)
			if err != nil {
				warn("failed to refresh passkeys: %v", err)
				continue
			}
			if ok {
				debug("passkey filter rebuilt from source")
			}
		}
	}
}
