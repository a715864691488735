package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type Action string

const (
	ActionGenesis                 Action = "GENESIS"
	ActionRegisterPatient         Action = "REGISTER_PATIENT"
	ActionRegisterDoctor          Action = "REGISTER_DOCTOR"
	ActionUploadRecord            Action = "UPLOAD_RECORD"
	ActionAccessData              Action = "ACCESS_DATA"
	ActionAccessDenied            Action = "ACCESS_DENIED"
	ActionIntegrityVerified       Action = "INTEGRITY_VERIFIED"
	ActionIntegrityFailure        Action = "INTEGRITY_FAILURE"
	ActionBookAppointment         Action = "BOOK_APPOINTMENT"
	ActionEmergencyAccess         Action = "EMERGENCY_ACCESS"
	ActionUpdateEmergencySettings Action = "UPDATE_EMERGENCY_SETTINGS"
	ActionOTPIssued               Action = "OTP_ISSUED"
	ActionOTPMasterBypass         Action = "OTP_MASTER_BYPASS"
)

// Block is one entry of the audit chain. BlockHash covers PreviousHash,
// Action, Details and DataHash; Index and Timestamp are positional metadata.
type Block struct {
	Index        int       `json:"index"`
	Timestamp    time.Time `json:"timestamp"`
	Action       Action    `json:"action"`
	Details      string    `json:"details"`
	DataHash     string    `json:"data_hash"`
	PreviousHash string    `json:"previous_hash"`
	BlockHash    string    `json:"block_hash"`
}

// ComputeHash returns H(previousHash || action || details || dataHash).
func ComputeHash(previousHash string, action Action, details, dataHash string) string {
	h := sha256.New()
	h.Write([]byte(previousHash))
	h.Write([]byte(action))
	h.Write([]byte(details))
	h.Write([]byte(dataHash))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *Block) computeHash() string {
	return ComputeHash(b.PreviousHash, b.Action, b.Details, b.DataHash)
}

// DataHash fingerprints an event payload for inclusion in a block.
func DataHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Genesis returns the fixed first block of every chain.
func Genesis() Block {
	b := Block{
		Index:        0,
		Timestamp:    time.Unix(0, 0).UTC(),
		Action:       ActionGenesis,
		Details:      "Genesis Block",
		DataHash:     "0000",
		PreviousHash: "0",
	}
	b.BlockHash = b.computeHash()
	return b
}
