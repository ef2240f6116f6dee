package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrPacketTooShort 表示加密报文长度不足，无法包含 nonce 与认证标签。
	ErrPacketTooShort = errors.New("crypto: packet too short")

	// ErrEmptySecret 表示未配置用于派生密钥的共享密钥。
	ErrEmptySecret = errors.New("crypto: empty secret")
)

// hkdfSalt 固定为协议常量，两端必须一致。
var hkdfSalt = []byte("darkrelay/frame/v1")

// XChaChaEncryptor 使用 XChaCha20-Poly1305 加密帧内消息体。
//
// 报文格式：nonce(24) || ciphertext || tag(16)。nonce 每帧随机生成，
// 24 字节的 nonce 空间使随机 nonce 在长连接上也不必担心重复。
type XChaChaEncryptor struct {
	aead cipher.AEAD
}

var _ Encryptor = (*XChaChaEncryptor)(nil)

// NewXChaChaEncryptor 通过 HKDF-SHA256 从共享密钥派生 32 字节密钥。
func NewXChaChaEncryptor(secret []byte) (*XChaChaEncryptor, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, hkdfSalt, nil), key); err != nil {
		return nil, errors.Wrap(err, "crypto: derive key")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: new aead")
	}
	return &XChaChaEncryptor{aead: aead}, nil
}

func (e *XChaChaEncryptor) Encrypt(plaintext, aad []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	packet := make([]byte, nonceSize, nonceSize+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(packet); err != nil {
		return nil, errors.Wrap(err, "crypto: generate nonce")
	}
	return e.aead.Seal(packet, packet[:nonceSize], plaintext, aad), nil
}

func (e *XChaChaEncryptor) Decrypt(packet, aad []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(packet) < nonceSize+e.aead.Overhead() {
		return nil, ErrPacketTooShort
	}
	plain, err := e.aead.Open(nil, packet[:nonceSize], packet[nonceSize:], aad)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: open")
	}
	return plain, nil
}
