package main

import (
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Client is a BitTorrent client vendor recognized from its peer id.
type Client uint8

const (
	ClientUnknown Client = iota
	ClientAres
	ClientAria
	ClientATorrent
	ClientAvicora
	ClientBitPump
	ClientBitBuddy
	ClientBitComet
	ClientBitSpirit
	ClientBitflu
	ClientBTG
	ClientBitRocket
	ClientBTSlave
	ClientBittorrent
	ClientBittorrentX
	ClientCTorrent
	ClientDelugeTorrent
	ClientPropagateDataClient
	ClientEBit
	ClientElectricsheep
	ClientFoxTorrent
	ClientFreeboxBitTorrent
	ClientGSTorrent
	ClientHalite
	ClientHydranode
	ClientKGet
	ClientKTorrent
	ClientLphant
	ClientLibTorrent
	ClientLimeWire
	ClientMonoTorrent
	ClientMooPolice
	ClientMiro
	ClientMoonlightTorrent
	ClientNetTransport
	ClientOneSwarm
	ClientPando
	ClientPopcornTime
	ClientQBittorrent
	ClientQQDownload
	ClientRetriever
	ClientShareazaAlphaBeta
	ClientSwiftbit
	ClientSwarmScope
	ClientSymTorrent
	ClientSharktorrent
	ClientShareaza
	ClientTorrentDotNET
	ClientTransmission
	ClientTorrentstorm
	ClientTixati
	ClientTuoTu
	ClientULeecher
	ClientUTorrent
	ClientUTorrentWeb
	ClientVagaa
	ClientVuze
	ClientWebTorrentDesktop
	ClientBitLet
	ClientWebTorrent
	ClientFireTorrent
	ClientXunlei
	ClientXanTorrent
	ClientXtorrent
	ClientZipTorrent
)

var clientNames = [...]string{
	ClientUnknown:             "Unknown",
	ClientAres:                "Ares",
	ClientAria:                "aria2",
	ClientATorrent:            "aTorrent",
	ClientAvicora:             "Avicora",
	ClientBitPump:             "BitPump",
	ClientBitBuddy:            "BitBuddy",
	ClientBitComet:            "BitComet",
	ClientBitSpirit:           "BitSpirit",
	ClientBitflu:              "Bitflu",
	ClientBTG:                 "BTG",
	ClientBitRocket:           "BitRocket",
	ClientBTSlave:             "BTSlave",
	ClientBittorrent:          "BitTorrent",
	ClientBittorrentX:         "BitTorrent X",
	ClientCTorrent:            "CTorrent",
	ClientDelugeTorrent:       "Deluge",
	ClientPropagateDataClient: "Propagate Data Client",
	ClientEBit:                "EBit",
	ClientElectricsheep:       "Electric Sheep",
	ClientFoxTorrent:          "FoxTorrent",
	ClientFreeboxBitTorrent:   "Freebox BitTorrent",
	ClientGSTorrent:           "GSTorrent",
	ClientHalite:              "Halite",
	ClientHydranode:           "Hydranode",
	ClientKGet:                "KGet",
	ClientKTorrent:            "KTorrent",
	ClientLphant:              "Lphant",
	ClientLibTorrent:          "libtorrent",
	ClientLimeWire:            "LimeWire",
	ClientMonoTorrent:         "MonoTorrent",
	ClientMooPolice:           "MooPolice",
	ClientMiro:                "Miro",
	ClientMoonlightTorrent:    "MoonlightTorrent",
	ClientNetTransport:        "Net Transport",
	ClientOneSwarm:            "OneSwarm",
	ClientPando:               "Pando",
	ClientPopcornTime:         "Popcorn Time",
	ClientQBittorrent:         "qBittorrent",
	ClientQQDownload:          "QQDownload",
	ClientRetriever:           "Retriever",
	ClientShareazaAlphaBeta:   "Shareaza alpha/beta",
	ClientSwiftbit:            "Swiftbit",
	ClientSwarmScope:          "SwarmScope",
	ClientSymTorrent:          "SymTorrent",
	ClientSharktorrent:        "Sharktorrent",
	ClientShareaza:            "Shareaza",
	ClientTorrentDotNET:       "Torrent.NET",
	ClientTransmission:        "Transmission",
	ClientTorrentstorm:        "Torrentstorm",
	ClientTixati:              "Tixati",
	ClientTuoTu:               "TuoTu",
	ClientULeecher:            "ULeecher!",
	ClientUTorrent:            "uTorrent",
	ClientUTorrentWeb:         "uTorrent Web",
	ClientVagaa:               "Vagaa",
	ClientVuze:                "Vuze",
	ClientWebTorrentDesktop:   "WebTorrent Desktop",
	ClientBitLet:              "BitLet",
	ClientWebTorrent:          "WebTorrent",
	ClientFireTorrent:         "FireTorrent",
	ClientXunlei:              "Xunlei",
	ClientXanTorrent:          "XanTorrent",
	ClientXtorrent:            "Xtorrent",
	ClientZipTorrent:          "ZipTorrent",
}

func (c Client) String() string {
	if int(c) < len(clientNames) {
		return clientNames[c]
	}
	return clientNames[ClientUnknown]
}

// ClientFromName resolves a display name, case-insensitively.
func ClientFromName(name string) (Client, bool) {
	for c, n := range clientNames {
		if c != int(ClientUnknown) && strings.EqualFold(n, name) {
			return Client(c), true
		}
	}
	return ClientUnknown, false
}

// azureusClients maps the two-letter vendor code of "-XX1234-" ids.
var azureusClients = map[string]Client{
	"A~": ClientAres,
	"AG": ClientAres,
	"AR": ClientAres,
	"AV": ClientAvicora,
	"AX": ClientBitPump,
	"AZ": ClientVuze,
	"BB": ClientBitBuddy,
	"BC": ClientBitComet,
	"BF": ClientBitflu,
	"BG": ClientBTG,
	"BR": ClientBitRocket,
	"BS": ClientBTSlave,
	"BT": ClientBittorrent,
	"BX": ClientBittorrentX,
	"CB": ClientShareaza,
	"CD": ClientCTorrent,
	"CT": ClientCTorrent,
	"DP": ClientPropagateDataClient,
	"DE": ClientDelugeTorrent,
	"EB": ClientEBit,
	"ES": ClientElectricsheep,
	"FX": ClientFreeboxBitTorrent,
	"FT": ClientFoxTorrent,
	"GS": ClientGSTorrent,
	"HL": ClientHalite,
	"HN": ClientHydranode,
	"KG": ClientKGet,
	"KT": ClientKTorrent,
	"LP": ClientLphant,
	"LT": ClientLibTorrent,
	"lt": ClientLibTorrent,
	"LW": ClientLimeWire,
	"MO": ClientMonoTorrent,
	"MP": ClientMooPolice,
	"MR": ClientMiro,
	"MT": ClientMoonlightTorrent,
	"NX": ClientNetTransport,
	"OS": ClientOneSwarm,
	"PT": ClientPopcornTime,
	"PD": ClientPando,
	"qB": ClientQBittorrent,
	"QD": ClientQQDownload,
	"RT": ClientRetriever,
	"S~": ClientShareazaAlphaBeta,
	"SB": ClientSwiftbit,
	"SD": ClientXunlei,
	"SG": ClientGSTorrent,
	"SP": ClientBitSpirit,
	"SS": ClientSwarmScope,
	"ST": ClientSymTorrent,
	"st": ClientSharktorrent,
	"SZ": ClientShareaza,
	"TN": ClientTorrentDotNET,
	"TR": ClientTransmission,
	"TS": ClientTorrentstorm,
	"TT": ClientTuoTu,
	"UL": ClientULeecher,
	"UE": ClientUTorrent,
	"UT": ClientUTorrent,
	"UM": ClientUTorrent,
	"UW": ClientUTorrentWeb,
	"WD": ClientWebTorrentDesktop,
	"WT": ClientBitLet,
	"WW": ClientWebTorrent,
	"WY": ClientFireTorrent,
	"VG": ClientVagaa,
	"XL": ClientXunlei,
	"XT": ClientXanTorrent,
	"XX": ClientXtorrent,
	"XC": ClientXtorrent,
	"ZT": ClientZipTorrent,
	"7T": ClientATorrent,
}

// shadowClients are matched by literal prefix. No prefix is a prefix of another,
// so the order of evaluation does not matter.
var shadowClients = []struct {
	prefix string
	client Client
}{
	{"-aria2-", ClientAria},
	{"BitLet", ClientBitLet},
	{"LIME", ClientLimeWire},
	{"Pando", ClientPando},
	{"TIX", ClientTixati},
	{"DansClient", ClientXanTorrent},
	{"-UM", ClientUTorrent},
	{"-UT", ClientUTorrent},
}

// Vendors whose Azureus-style ids do not close the version with a dash.
var azureusNoDash = map[string]bool{
	"KT": true,
	"SP": true,
}

const peerIDLen = 20

// ParseClient identifies the vendor of a peer id given either raw (20 bytes)
// or hex encoded (40 characters). Anything unrecognized is ErrDecode.
func ParseClient(id string) (Client, error) {
	pid, err := normalizePeerID(id)
	if err != nil {
		return ClientUnknown, err
	}
	peerID := string(pid[:])

	if isAzureusStyle(peerID) {
		if c, ok := azureusClients[peerID[1:3]]; ok {
			return c, nil
		}
	}
	for _, rule := range shadowClients {
		if strings.HasPrefix(peerID, rule.prefix) {
			return rule.client, nil
		}
	}
	return ClientUnknown, errors.Wrapf(ErrDecode, "unrecognized peer id %q", peerID)
}

// normalizePeerID accepts the raw or hex form of a peer id.
func normalizePeerID(id string) (PeerID, error) {
	if len(id) == peerIDLen {
		return NewPeerID([]byte(id)), nil
	}
	decoded, err := hex.DecodeString(id)
	if err != nil {
		return PeerID{}, errors.Wrapf(ErrDecode, "peer id: %v", err)
	}
	if len(decoded) != peerIDLen {
		return PeerID{}, errors.Wrapf(ErrDecode, "peer id is %d bytes", len(decoded))
	}
	if !utf8.Valid(decoded) {
		return PeerID{}, errors.Wrap(ErrDecode, "peer id is not text")
	}
	return NewPeerID(decoded), nil
}

func isAzureusStyle(id string) bool {
	if id[0] != '-' {
		return false
	}
	if id[7] == '-' {
		return true
	}
	return azureusNoDash[id[1:3]]
}

// DefaultAllowedClients is the allow-list used when none is configured.
var DefaultAllowedClients = []Client{
	ClientUTorrent,
	ClientVuze,
	ClientTransmission,
	ClientQBittorrent,
	ClientAria,
}

// ClientTable holds the clients allowed to announce. It is built once at
// startup and read concurrently afterwards.
type ClientTable struct {
	allowed map[Client]struct{}
}

func NewClientTable(allowed []Client) *ClientTable {
	if len(allowed) == 0 {
		allowed = DefaultAllowedClients
	}
	t := &ClientTable{allowed: make(map[Client]struct{}, len(allowed))}
	for _, c := range allowed {
		t.allowed[c] = struct{}{}
	}
	return t
}

// clientTableFromNames builds a table from configured display names.
func clientTableFromNames(names []string) (*ClientTable, error) {
	allowed := make([]Client, 0, len(names))
	for _, n := range names {
		c, ok := ClientFromName(n)
		if !ok {
			return nil, errors.Errorf("unknown client %q", n)
		}
		allowed = append(allowed, c)
	}
	return NewClientTable(allowed), nil
}

// Parse is ParseClient; it lives on the table so handlers only need one value.
func (t *ClientTable) Parse(id string) (Client, error) {
	return ParseClient(id)
}

func (t *ClientTable) Allowed(c Client) bool {
	_, ok := t.allowed[c]
	return ok
}

// Names lists the allowed clients, for logging.
func (t *ClientTable) Names() []string {
	names := make([]string, 0, len(t.allowed))
	for c := range clientNames {
		if _, ok := t.allowed[Client(c)]; ok {
			names = append(names, Client(c).String())
		}
	}
	return names
}
