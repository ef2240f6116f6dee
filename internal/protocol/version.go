package protocol

import (
	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"
)

// Version 为当前线协议版本，随 AuthChallenge 下发。主版本号不同的两端不互通。
const Version = "1.0.0"

var current = semver.MustParse(Version)

// Compatible 判断对端声明的协议版本能否与本端互通。
func Compatible(peer string) error {
	v, err := semver.Parse(peer)
	if err != nil {
		return errors.Wrapf(err, "parse protocol version %q", peer)
	}
	if v.Major != current.Major {
		return errors.Newf("incompatible protocol version %s, want %d.x", v, current.Major)
	}
	return nil
}
