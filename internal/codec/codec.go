package codec

import (
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// Decode 尽力把事务体还原为可安全放入 JSON 的文本。
// 依次尝试严格 UTF-8 与 Latin-1；两者都失败时退化为十六进制，
// 保证快照中不会丢失任何字节。非文本内容会因此失真。
func Decode(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	if s, ok := decodeLatin1(b); ok {
		return s
	}
	return hex.EncodeToString(b)
}

// Encode 把变更载荷中的文本按 UTF-8 编码为字节。
// 注意与 Decode 不对称：经十六进制兜底产生的文本不会被还原。
func Encode(s string) []byte {
	return []byte(s)
}

// decodeLatin1 按单字节 Latin-1 解码，256 个码点全覆盖，不会失败
func decodeLatin1(b []byte) (string, bool) {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String(), true
}
