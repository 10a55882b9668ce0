package proto

import (
	"encoding/json"
	"fmt"
)

// Wire commands.
const (
	MsgTypeVersion      = "version"
	MsgTypeBroadcast    = "fnb"
	MsgTypePing         = "fnp"
	MsgTypeListRequest  = "obseg"
	MsgTypeVoteRequest  = "fnget"
	MsgTypeVote         = "fnw"
	MsgTypeSyncStatus   = "ssc"
	MsgTypeInv          = "inv"
	MsgTypeGetData      = "getdata"
	MsgTypeGetSporks    = "getsporks"
	MsgTypeBudgetSync   = "fnvs"
	MsgTypeLegacyEntry  = "obsee"
	MsgTypeLegacyPing   = "obseep"
	MaxInvItems         = 50000
	MaxEnvelopeBodySize = MaxFrameSize - 1024
)

// Inventory kinds.
const (
	InvBroadcast = "fnb"
	InvPing      = "fnp"
	InvVote      = "fnw"
)

// Sync item ids carried by ssc.
const (
	SyncItemInitial    = 0
	SyncItemSporks     = 1
	SyncItemList       = 2
	SyncItemVotes      = 3
	SyncItemBudget     = 4
	SyncItemBudgetProp = 10
	SyncItemBudgetFin  = 11
	SyncItemFailed     = 998
	SyncItemFinished   = 999
)

// Envelope is the framed unit on the wire.
type Envelope struct {
	Command string          `json:"command"`
	From    string          `json:"from,omitempty"`
	NodeID  string          `json:"node_id,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

func EncodeEnvelope(command, from, nodeID string, body any) ([]byte, error) {
	if command == "" {
		return nil, fmt.Errorf("missing command")
	}
	env := Envelope{Command: command, From: from, NodeID: nodeID}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		if len(raw) > MaxEnvelopeBodySize {
			return nil, fmt.Errorf("body too large for %s", command)
		}
		env.Body = raw
	}
	return json.Marshal(env)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Command == "" {
		return Envelope{}, fmt.Errorf("missing command")
	}
	return env, nil
}

// DecodeBody unmarshals an envelope body into T.
func DecodeBody[T any](env Envelope) (T, error) {
	var m T
	if len(env.Body) == 0 {
		return m, fmt.Errorf("empty body for %s", env.Command)
	}
	if err := json.Unmarshal(env.Body, &m); err != nil {
		return m, fmt.Errorf("decode %s: %w", env.Command, err)
	}
	return m, nil
}

type VersionMsg struct {
	Protocol   int    `json:"protocol"`
	Network    string `json:"network"`
	ListenAddr string `json:"listen_addr"`
	NodeID     string `json:"node_id"`
	Height     int    `json:"height"`
	Reply      bool   `json:"reply,omitempty"`
}

// PingMsg is a signed liveness heartbeat anchored to a recent block.
type PingMsg struct {
	Vin       Outpoint `json:"vin"`
	BlockHash Hash     `json:"block_hash"`
	SigTime   int64    `json:"sig_time"`
	Sig       HexBytes `json:"sig"`
}

func (m PingMsg) IsEmpty() bool { return m.Vin.IsNull() && m.SigTime == 0 }

// BroadcastMsg is the full registration announcement.
type BroadcastMsg struct {
	Vin              Outpoint `json:"vin"`
	ScriptSig        HexBytes `json:"script_sig,omitempty"`
	Addr             string   `json:"addr"`
	PubKeyCollateral HexBytes `json:"pubkey_collateral"`
	PubKeyNode       HexBytes `json:"pubkey_node"`
	Sig              HexBytes `json:"sig"`
	SigTime          int64    `json:"sig_time"`
	Protocol         int      `json:"protocol"`
	LastPing         PingMsg  `json:"last_ping"`
	LastDsq          int64    `json:"last_dsq,omitempty"`
}

type ListRequestMsg struct {
	Vin *Outpoint `json:"vin,omitempty"`
}

type VoteRequestMsg struct {
	Count int `json:"count"`
}

// VoteMsg is a service node's vote for the payee of a height.
type VoteMsg struct {
	Vin    Outpoint `json:"vin"`
	Height int      `json:"height"`
	Payee  Script   `json:"payee"`
	Sig    HexBytes `json:"sig"`
}

type SyncStatusMsg struct {
	Item  int `json:"item"`
	Count int `json:"count"`
}

type InvItem struct {
	Kind string `json:"kind"`
	Hash Hash   `json:"hash"`
}

type InvMsg struct {
	Items []InvItem `json:"items"`
}

type GetDataMsg struct {
	Items []InvItem `json:"items"`
}

type BudgetSyncMsg struct {
	Hash Hash `json:"hash"`
}

// LegacyEntryMsg is the pre-ping registration format.
type LegacyEntryMsg struct {
	Vin             Outpoint `json:"vin"`
	ScriptSig       HexBytes `json:"script_sig,omitempty"`
	Addr            string   `json:"addr"`
	Sig             HexBytes `json:"sig"`
	SigTime         int64    `json:"sig_time"`
	PubKey          HexBytes `json:"pubkey"`
	PubKey2         HexBytes `json:"pubkey2"`
	Count           int      `json:"count"`
	Current         int      `json:"current"`
	LastUpdated     int64    `json:"last_updated"`
	Protocol        int      `json:"protocol"`
	DonationScript  Script   `json:"donation_script,omitempty"`
	DonationPercent int      `json:"donation_percent"`
}

// LegacyPingMsg is the pre-ping liveness format.
type LegacyPingMsg struct {
	Vin     Outpoint `json:"vin"`
	Sig     HexBytes `json:"sig"`
	SigTime int64    `json:"sig_time"`
	Stop    bool     `json:"stop"`
}

// ValidateInv bounds inventory batches.
func ValidateInv(items []InvItem) error {
	if len(items) == 0 {
		return fmt.Errorf("empty inventory")
	}
	if len(items) > MaxInvItems {
		return fmt.Errorf("inventory too large: %d", len(items))
	}
	for _, it := range items {
		switch it.Kind {
		case InvBroadcast, InvPing, InvVote:
		default:
			return fmt.Errorf("unknown inventory kind: %s", it.Kind)
		}
	}
	return nil
}
