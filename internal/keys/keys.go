// Package keys derives the deterministic storage keys used by the data store.
// A base key is keccak256 of the ABI encoding of its name; a parameterised key
// is keccak256 of the ABI encoding of the base key followed by its parameters.
package keys

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Hash returns keccak256(abi.encode(name)).
func Hash(name string) common.Hash {
	data := []byte(name)
	padded := (len(data) + 31) / 32 * 32
	buf := make([]byte, 0, 64+padded)
	buf = append(buf, word(big.NewInt(32))...)
	buf = append(buf, word(big.NewInt(int64(len(data))))...)
	buf = append(buf, common.RightPadBytes(data, padded)...)
	return crypto.Keccak256Hash(buf)
}

// Derive returns keccak256(abi.encode(base, params...)). Parameters may be
// common.Hash, common.Address, bool, *big.Int, uint64 or string; strings are
// hashed with Hash first.
func Derive(base common.Hash, params ...any) common.Hash {
	buf := make([]byte, 0, 32*(len(params)+1))
	buf = append(buf, base.Bytes()...)
	return crypto.Keccak256Hash(encode(buf, params))
}

// Encode returns keccak256(abi.encode(params...)), for record keys that have
// no base name.
func Encode(params ...any) common.Hash {
	return crypto.Keccak256Hash(encode(make([]byte, 0, 32*len(params)), params))
}

func encode(buf []byte, params []any) []byte {
	for _, p := range params {
		switch v := p.(type) {
		case common.Hash:
			buf = append(buf, v.Bytes()...)
		case common.Address:
			buf = append(buf, common.LeftPadBytes(v.Bytes(), 32)...)
		case bool:
			if v {
				buf = append(buf, word(big.NewInt(1))...)
			} else {
				buf = append(buf, word(new(big.Int))...)
			}
		case *big.Int:
			buf = append(buf, word(v)...)
		case uint64:
			buf = append(buf, word(new(big.Int).SetUint64(v))...)
		case string:
			buf = append(buf, Hash(v).Bytes()...)
		default:
			panic("keys: unsupported parameter type")
		}
	}
	return buf
}

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}
