package solana

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
)

// Well-known Solana program IDs
var (
	// SystemProgramID is the native SOL transfer program
	SystemProgramID = solana.SystemProgramID

	// MemoProgramIDSPL is the SPL Memo program (most common)
	MemoProgramIDSPL = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

	// MemoProgramIDLegacy is the legacy memo program (v1)
	MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")
)

// SystemProgramTransferInstruction is the System Program's Transfer discriminator.
const SystemProgramTransferInstruction = uint32(2)

// parseTransfer extracts the first native SOL transfer and the memo from a
// decoded transaction. It fails if the transaction carries no system transfer.
func parseTransfer(sig solana.Signature, tx *solana.Transaction) (*Transfer, error) {
	out := &Transfer{Signature: sig.String()}
	found := false

	accountKeys := tx.Message.AccountKeys
	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			continue
		}
		programID := accountKeys[instruction.ProgramIDIndex]

		if programID.Equals(SystemProgramID) && !found {
			amount, from, to, err := parseSystemTransfer(instruction, accountKeys)
			if err == nil {
				out.Amount = amount
				out.From = from.String()
				out.To = to.String()
				found = true
			}
		}

		if programID.Equals(MemoProgramIDSPL) || programID.Equals(MemoProgramIDLegacy) {
			if memo := parseMemo(instruction.Data); memo != "" {
				out.Memo = &memo
			}
		}
	}

	if !found {
		return nil, fmt.Errorf("transaction %s carries no native SOL transfer", sig)
	}
	return out, nil
}

// parseSystemTransfer extracts the amount, source and destination from a
// System Program Transfer instruction.
func parseSystemTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (uint64, solana.PublicKey, solana.PublicKey, error) {
	// System Transfer instruction format:
	// [0..4]  = instruction type (u32, should be 2 for Transfer)
	// [4..12] = lamports (u64)
	if len(instruction.Data) < 12 {
		return 0, solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("instruction data too short: %d bytes", len(instruction.Data))
	}

	instructionType := binary.LittleEndian.Uint32(instruction.Data[0:4])
	if instructionType != SystemProgramTransferInstruction {
		return 0, solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("not a transfer instruction: type %d", instructionType)
	}

	// System Transfer accounts: [from, to]
	if len(instruction.Accounts) < 2 {
		return 0, solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("transfer instruction missing accounts")
	}
	fromIdx, toIdx := int(instruction.Accounts[0]), int(instruction.Accounts[1])
	if fromIdx >= len(accountKeys) || toIdx >= len(accountKeys) {
		return 0, solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("transfer account index out of bounds")
	}

	amount := binary.LittleEndian.Uint64(instruction.Data[4:12])
	return amount, accountKeys[fromIdx], accountKeys[toIdx], nil
}

// parseMemo extracts the memo text from a Memo Program instruction.
// Some wallets base64-encode the memo; decode it when the result is text.
func parseMemo(data []byte) string {
	memo := string(data)

	if decoded, err := base64.StdEncoding.DecodeString(memo); err == nil && len(decoded) > 0 {
		if utf8.Valid(decoded) && !containsNull(decoded) {
			return string(decoded)
		}
	}

	return memo
}

func containsNull(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}
