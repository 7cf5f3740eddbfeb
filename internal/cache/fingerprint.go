package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint 请求指纹：kind + model + 规范化参数的SHA-256
//
// encoding/json对map键做字典序排序，等价的参数集在任意写法下
// 产生同一指纹。
func Fingerprint(kind, model string, params map[string]interface{}) (string, error) {
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
