package ratelimit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// MaxCredentialBody é o máximo lido do corpo para achar o identificador tentado.
const MaxCredentialBody = 64 << 10

// AddressFunc extrai o endereço de rede do cliente.
type AddressFunc func(r *http.Request) string

// IdentityFunc extrai a identidade já autenticada (vazio se anônimo).
type IdentityFunc func(r *http.Request) string

// ClientIP usa só RemoteAddr, ou confia em um proxy à frente quando trustXFF.
// Equivale a ClientIPBehindProxies(0) ou ClientIPBehindProxies(1).
func ClientIP(trustXFF bool) AddressFunc {
	if trustXFF {
		return ClientIPBehindProxies(1)
	}
	return ClientIPBehindProxies(0)
}

// ClientIPBehindProxies extrai o endereço do cliente quando há `hops` proxies
// confiáveis à frente. Cada proxy acrescenta à direita do X-Forwarded-For o
// endereço de quem falou com ele, então o cliente é a entrada `hops` a partir
// da direita. O que estiver mais à esquerda veio do próprio cliente e pode ser
// forjado (ex.: alguém dizendo ser um IP da allowlist).
//
// X-Real-IP só é usado sem X-Forwarded-For, e o proxy precisa sobrescrevê-lo.
func ClientIPBehindProxies(hops int) AddressFunc {
	return func(r *http.Request) string {
		if hops > 0 {
			if ip := forwardedHop(r.Header.Values("X-Forwarded-For"), hops); ip != "" {
				return ip
			}
			if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
				return ip
			}
		}

		// fallback: RemoteAddr
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// forwardedHop devolve a entrada `hops` contando da direita, ou a mais à
// esquerda se a cadeia for mais curta.
func forwardedHop(headers []string, hops int) string {
	var chain []string
	for _, h := range headers {
		for _, part := range strings.Split(h, ",") {
			if part = strings.TrimSpace(part); part != "" {
				chain = append(chain, part)
			}
		}
	}
	if len(chain) == 0 {
		return ""
	}
	i := len(chain) - hops
	if i < 0 {
		i = 0
	}
	return chain[i]
}

type identityCtxKey struct{}

// WithIdentity anexa a identidade autenticada ao contexto (feito pelo auth upstream).
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, identity)
}

func IdentityFromContext(ctx context.Context) string {
	id, _ := ctx.Value(identityCtxKey{}).(string)
	return id
}

// DefaultIdentityFunc usa o contexto e, se configurado, um header confiável
// injetado pelo proxy de autenticação.
func DefaultIdentityFunc(identityHeader string) IdentityFunc {
	return func(r *http.Request) string {
		if id := IdentityFromContext(r.Context()); id != "" {
			return id
		}
		if identityHeader != "" {
			return strings.TrimSpace(r.Header.Get(identityHeader))
		}
		return ""
	}
}

type credentialFields struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Phone    string `json:"phone"`
}

// CredentialFromBody lê até MaxCredentialBody bytes de um corpo JSON e devolve
// o identificador tentado (email, username ou phone). O corpo é restaurado
// para o handler seguinte; corpo maior que o limite não é interpretado.
func CredentialFromBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "json") {
		return ""
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, MaxCredentialBody+1))
	r.Body = restoredBody{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	if err != nil || len(buf) > MaxCredentialBody {
		return ""
	}

	var f credentialFields
	if json.Unmarshal(buf, &f) != nil {
		return ""
	}
	for _, v := range []string{f.Email, f.Username, f.Phone} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type restoredBody struct {
	io.Reader
	io.Closer
}

// Allowlist é o conjunto de endereços/CIDRs isentos (WHITELISTED_IPS).
type Allowlist struct {
	prefixes []netip.Prefix
}

// ParseAllowlist aceita IPs e CIDRs separados por vírgula.
func ParseAllowlist(csv string) (*Allowlist, error) {
	a := &Allowlist{}
	for _, raw := range strings.Split(csv, ",") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, err
			}
			a.prefixes = append(a.prefixes, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		ip = ip.Unmap()
		a.prefixes = append(a.prefixes, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return a, nil
}

func (a *Allowlist) Contains(address string) bool {
	if a == nil || len(a.prefixes) == 0 {
		return false
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func (a *Allowlist) Len() int {
	if a == nil {
		return 0
	}
	return len(a.prefixes)
}
