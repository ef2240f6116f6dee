// Package json 统一封装项目内使用的 JSON 编解码实现（基于 bytedance/sonic）。
//
// 使用 sonic.ConfigStd，保证输出与标准库 encoding/json 保持一致（字段顺序、HTML 转义、
// []byte 使用 base64），从而保证同一条消息多次编码得到的字节完全相同。
package json

import (
	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// Marshal 将 v 编码为 JSON 字节序列。
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal 将 JSON 字节序列解码到 v 中。
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}
