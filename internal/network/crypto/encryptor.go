package crypto

// Encryptor 抽象了单一加密方案：
//   - Encrypt：加密并附带完整性校验，生成完整报文
//   - Decrypt：校验并解密，还原明文
//
// aad（Associated Data）为关联数据，不加密但受完整性保护，这里传入帧头。
type Encryptor interface {
	Encrypt(plaintext, aad []byte) (packet []byte, err error)
	Decrypt(packet, aad []byte) (plaintext []byte, err error)
}

// NopEncryptor 不做加密也不做校验，直接透传数据，是未开启加密时的默认值。
type NopEncryptor struct{}

func (NopEncryptor) Encrypt(plaintext, _ []byte) ([]byte, error) {
	return plaintext, nil
}

func (NopEncryptor) Decrypt(packet, _ []byte) ([]byte, error) {
	return packet, nil
}

var _ Encryptor = NopEncryptor{}
