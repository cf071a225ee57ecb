package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidDomain    = errors.New("invalid domain format")
)

// RFC 5322 邮箱地址长度限制
const (
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253
)

var domainRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)

// NormalizeAddress 去除空白与尖括号并转为小写。
//
// SMTP 信封地址形如 "<user@example.com>"，HTTP 参数则没有尖括号，两者统一成同一个路由键。
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return strings.ToLower(strings.TrimSpace(addr))
}

// SplitAddress 把规范化后的地址拆成本地部分和域名。
func SplitAddress(addr string) (local, domain string, err error) {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", ErrInvalidEmail
	}
	local, domain = addr[:at], addr[at+1:]
	if strings.Contains(local, "@") {
		return "", "", ErrInvalidEmail
	}
	if len(local) > MaxLocalPartLength {
		return "", "", ErrLocalPartTooLong
	}
	return local, domain, nil
}

// ValidateEmail 完整验证邮箱地址
func ValidateEmail(email string) error {
	email = NormalizeAddress(email)
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}

	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Address != email {
		return ErrInvalidEmail
	}

	_, domain, err := SplitAddress(email)
	if err != nil {
		return err
	}
	return ValidateDomain(domain)
}

// ValidateDomain 验证域名
func ValidateDomain(domain string) error {
	if domain == "" {
		return ErrInvalidDomain
	}
	if len(domain) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}
