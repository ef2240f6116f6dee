package relay

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/argon2"

	"github.com/lk2023060901/darkrelay-go/pkg/util/conc"
)

// Argon2Params 为 argon2id 的代价参数。
type Argon2Params struct {
	Time      uint32 `yaml:"time" mapstructure:"time"`
	MemoryKiB uint32 `yaml:"memory_kib" mapstructure:"memory_kib"`
	Threads   uint8  `yaml:"threads" mapstructure:"threads"`
	KeyLen    uint32 `yaml:"key_len" mapstructure:"key_len"`
	SaltLen   uint32 `yaml:"salt_len" mapstructure:"salt_len"`
}

// DefaultArgon2Params 返回 RFC 9106 推荐的低内存参数组。
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:      3,
		MemoryKiB: 64 * 1024,
		Threads:   4,
		KeyLen:    32,
		SaltLen:   16,
	}
}

// Validate 检查参数是否可用。
func (p Argon2Params) Validate() error {
	if p.Time == 0 || p.Threads == 0 || p.KeyLen < 16 || p.SaltLen < 8 {
		return errors.Newf("invalid argon2 params %+v", p)
	}
	if p.MemoryKiB < 8*uint32(p.Threads) {
		return errors.Newf("argon2 memory %d KiB below minimum for %d threads", p.MemoryKiB, p.Threads)
	}
	return nil
}

// PasswordHasher 负责频道密码的哈希与校验，明文密码不会被保存。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encoded string) (bool, error)
}

// Argon2Hasher 使用 argon2id，输出 PHC 字符串格式：
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
//
// 校验时从编码串中读取参数，因此调整参数不影响已有频道。
// 每次计算都要占用 MemoryKiB 的内存，所有计算在一个容量有限的协程池中排队执行，
// 同时进行的计算不超过池容量。
type Argon2Hasher struct {
	params Argon2Params
	pool   *conc.Pool[[]byte]
	derive func(password, salt []byte, time, memory uint32, threads uint8, keyLen uint32) []byte
}

var _ PasswordHasher = (*Argon2Hasher)(nil)

// NewArgon2Hasher 创建哈希器，并发计算数上限为 GOMAXPROCS。
func NewArgon2Hasher(params Argon2Params) (*Argon2Hasher, error) {
	return newArgon2Hasher(params, runtime.GOMAXPROCS(0))
}

func newArgon2Hasher(params Argon2Params, concurrency int) (*Argon2Hasher, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Argon2Hasher{
		params: params,
		pool:   conc.NewPool[[]byte](conc.WithCapacity(max(concurrency, 1))),
		derive: argon2.IDKey,
	}, nil
}

// key 在协程池中计算 argon2id，池满时排队等待。
func (h *Argon2Hasher) key(password string, salt []byte, p Argon2Params, keyLen uint32) ([]byte, error) {
	return h.pool.Submit(func() ([]byte, error) {
		return h.derive([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, keyLen), nil
	}).Await()
}

var b64 = base64.RawStdEncoding

func (h *Argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "read salt")
	}
	key, err := h.key(password, salt, h.params, h.params.KeyLen)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.MemoryKiB, h.params.Time, h.params.Threads,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

func (h *Argon2Hasher) Verify(password, encoded string) (bool, error) {
	params, salt, key, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	got, err := h.key(password, salt, params, uint32(len(key)))
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got, key) == 1, nil
}

func decodePHC(encoded string) (Argon2Params, []byte, []byte, error) {
	var p Argon2Params
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, errors.New("not an argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, errors.Newf("unsupported argon2 version %q", parts[2])
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, errors.Wrap(err, "parse argon2 params")
	}
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, errors.Wrap(err, "decode salt")
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, errors.Wrap(err, "decode hash")
	}
	if len(key) == 0 {
		return p, nil, nil, errors.New("empty argon2 hash")
	}
	return p, salt, key, nil
}
