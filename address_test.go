package blockclique

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

func TestAddressText(t *testing.T) {
	require := require.New(t)

	key := testKey(1)
	addr := AddressFromPublicKey(key.Public().(ed25519.PublicKey))

	parsed, err := ParseAddress(addr.String())
	require.NoError(err)
	require.Equal(addr, parsed)

	// a flipped character breaks the checksum
	s := []byte(addr.String())
	if s[3] == '2' {
		s[3] = '3'
	} else {
		s[3] = '2'
	}
	_, err = ParseAddress(string(s))
	require.Error(err)

	// addresses work as JSON map keys
	balances := map[Address]uint64{addr: 42}
	balancesJson, err := json.Marshal(balances)
	require.NoError(err)
	decoded := make(map[Address]uint64)
	require.NoError(json.Unmarshal(balancesJson, &decoded))
	require.Equal(balances, decoded)
}

func TestAddressThread(t *testing.T) {
	require := require.New(t)

	for i := 0; i < 20; i++ {
		addr := AddressFromPublicKey(testKey(i).Public().(ed25519.PublicKey))
		require.Equal(addr[0]%32, addr.Thread(32))
		require.Less(addr.Thread(4), uint8(4))
	}
}
