package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXChaChaRoundTrip(t *testing.T) {
	enc, err := NewXChaChaEncryptor([]byte("shared-secret"))
	require.NoError(t, err)

	aad := []byte{0, 106, 2}
	packet, err := enc.Encrypt([]byte("hello"), aad)
	require.NoError(t, err)
	assert.Len(t, packet, 24+5+16)

	// 每次加密使用新的 nonce。
	other, err := enc.Encrypt([]byte("hello"), aad)
	require.NoError(t, err)
	assert.NotEqual(t, packet, other)

	plain, err := enc.Decrypt(packet, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plain)

	// 同一共享密钥派生出相同的密钥。
	peer, err := NewXChaChaEncryptor([]byte("shared-secret"))
	require.NoError(t, err)
	plain, err = peer.Decrypt(packet, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plain)
}

func TestXChaChaTamper(t *testing.T) {
	enc, err := NewXChaChaEncryptor([]byte("shared-secret"))
	require.NoError(t, err)
	packet, err := enc.Encrypt([]byte("hello"), []byte("aad"))
	require.NoError(t, err)

	_, err = enc.Decrypt(packet, []byte("other aad"))
	assert.Error(t, err)

	packet[len(packet)-1] ^= 0xff
	_, err = enc.Decrypt(packet, []byte("aad"))
	assert.Error(t, err)

	_, err = enc.Decrypt(packet[:10], []byte("aad"))
	assert.ErrorIs(t, err, ErrPacketTooShort)

	wrong, err := NewXChaChaEncryptor([]byte("another-secret"))
	require.NoError(t, err)
	good, err := enc.Encrypt([]byte("hello"), nil)
	require.NoError(t, err)
	_, err = wrong.Decrypt(good, nil)
	assert.Error(t, err)

	_, err = NewXChaChaEncryptor(nil)
	assert.ErrorIs(t, err, ErrEmptySecret)
}
