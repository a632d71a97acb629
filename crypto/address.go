package crypto

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part of an encoded address.
type AddressPrefix string

const (
	// AccountPrefix is used for depositor and front-end accounts.
	AccountPrefix AddressPrefix = "cdp"
	// ModulePrefix is used for protocol-owned accounts such as the
	// liquidation collaborator.
	ModulePrefix AddressPrefix = "cdpmod"
)

// AddressLength is the size of the raw address payload.
const AddressLength = 20

// Address represents a 20-byte account address with a bech32 prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

// NewAddress wraps the provided bytes. It panics when b is not 20 bytes long.
func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != AddressLength {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}
}

// AddressFromBytes is the non-panicking variant of NewAddress.
func AddressFromBytes(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) == 0 {
		return Address{}, nil
	}
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("crypto: address must be %d bytes, got %d", AddressLength, len(b))
	}
	return NewAddress(prefix, b), nil
}

// AddressFromSeed derives a deterministic address from an arbitrary label by
// taking the last 20 bytes of its keccak256 hash. Used for module accounts and
// fixtures.
func AddressFromSeed(prefix AddressPrefix, seed string) Address {
	hash := ethcrypto.Keccak256([]byte(seed))
	return NewAddress(prefix, hash[len(hash)-AddressLength:])
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns the raw 20-byte payload, or nil for the zero address.
func (a Address) Bytes() []byte {
	return append([]byte(nil), a.bytes...)
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// IsZero reports whether the address is unset. The zero address doubles as the
// "no front end" tag.
func (a Address) IsZero() bool {
	return len(a.bytes) == 0 || bytes.Equal(a.bytes, make([]byte, AddressLength))
}

// Equal compares the raw payloads, ignoring the prefix.
func (a Address) Equal(other Address) bool {
	if a.IsZero() || other.IsZero() {
		return a.IsZero() && other.IsZero()
	}
	return bytes.Equal(a.bytes, other.bytes)
}

// Key returns a string suitable for use as a map key.
func (a Address) Key() string {
	if a.IsZero() {
		return ""
	}
	return string(a.bytes)
}

// MarshalText encodes the address in bech32 form.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText accepts bech32 and 0x-prefixed hex encodings.
func (a *Address) UnmarshalText(text []byte) error {
	decoded, err := DecodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// DecodeAddress parses a bech32 address. Hex strings with a 0x prefix are
// accepted as well and receive AccountPrefix.
func DecodeAddress(addrStr string) (Address, error) {
	trimmed := strings.TrimSpace(addrStr)
	if trimmed == "" {
		return Address{}, nil
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if !common.IsHexAddress(trimmed) {
			return Address{}, fmt.Errorf("invalid hex address %q", trimmed)
		}
		return NewAddress(AccountPrefix, common.HexToAddress(trimmed).Bytes()), nil
	}
	prefix, decoded, err := bech32.Decode(trimmed)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return AddressFromBytes(AddressPrefix(prefix), conv)
}
