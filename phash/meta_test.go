package phash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata_RoundTrip(t *testing.T) {
	m := &Metadata{}
	require.NoError(t, m.Add(MetaKeyShardName, []byte("rw_abc123")))
	require.NoError(t, m.Add(MetaKeyObjCount, itob(42)))

	var decoded Metadata
	require.NoError(t, decoded.UnmarshalBinary(m.Bytes()))
	assert.Equal(t, []byte("rw_abc123"), decoded.GetFirst(MetaKeyShardName))
	assert.Equal(t, itob(42), decoded.GetFirst(MetaKeyObjCount))
	assert.Nil(t, decoded.GetFirst(MetaKeyCreatedAt))
}

func TestMetadata_RejectsOversizedKey(t *testing.T) {
	m := &Metadata{}
	err := m.Add(make([]byte, MaxKeySize+1), nil)
	assert.Error(t, err)
}
