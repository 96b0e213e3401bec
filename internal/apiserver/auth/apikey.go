package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"agents-dispatch/internal/shared/model"
)

// APIKeyPrefix 账号 API Key 前缀
const APIKeyPrefix = "bld_"

// lookupLen 存库用于查找的前缀长度（含 bld_）
const lookupLen = len(APIKeyPrefix) + 8

// KeyHashCost bcrypt 代价，测试中可调低
var KeyHashCost = bcrypt.DefaultCost

// ErrInvalidAPIKey API Key 格式错误或不匹配任何账号
var ErrInvalidAPIKey = errors.New("invalid api key")

// AccountLookup 按 Key 前缀查找账号
type AccountLookup interface {
	ListAccountsByKeyPrefix(ctx context.Context, prefix string) ([]*model.Account, error)
}

// GenerateAPIKey 生成新 Key，返回明文、查找前缀与 bcrypt 哈希
//
// 明文只在创建账号时返回一次。
func GenerateAPIKey() (key, lookup, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = APIKeyPrefix + hex.EncodeToString(buf)
	hash, err = HashAPIKey(key)
	if err != nil {
		return "", "", "", err
	}
	return key, key[:lookupLen], hash, nil
}

// HashAPIKey 使用 bcrypt 哈希 Key
func HashAPIKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), KeyHashCost)
	return string(bytes), err
}

// CheckAPIKey 验证 Key
func CheckAPIKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// IsAPIKey 是否为账号 API Key 形式的令牌
func IsAPIKey(token string) bool {
	return strings.HasPrefix(token, APIKeyPrefix) && len(token) > lookupLen
}

// ResolveAPIKey 校验 Key 并返回所属账号
func ResolveAPIKey(ctx context.Context, accounts AccountLookup, key string) (*model.Account, error) {
	if !IsAPIKey(key) {
		return nil, ErrInvalidAPIKey
	}
	candidates, err := accounts.ListAccountsByKeyPrefix(ctx, key[:lookupLen])
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	for _, a := range candidates {
		if CheckAPIKey(key, a.APIKeyHash) {
			return a, nil
		}
	}
	return nil, ErrInvalidAPIKey
}
