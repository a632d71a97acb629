package state

import "fmt"

var (
	stabilityPoolKeyBytes   = []byte("stability/pool")
	stabilityDepositPrefix  = []byte("stability/deposit/")
	stabilityFrontEndPrefix = []byte("stability/frontend/")
	stabilitySumKeyFormat   = "stability/sum/%d/%d"
)

func stabilityDepositKey(addr []byte) []byte {
	return append(append([]byte(nil), stabilityDepositPrefix...), addr...)
}

func stabilityFrontEndKey(addr []byte) []byte {
	return append(append([]byte(nil), stabilityFrontEndPrefix...), addr...)
}

func stabilitySumKey(epoch, scale uint64) []byte {
	return []byte(fmt.Sprintf(stabilitySumKeyFormat, epoch, scale))
}
