package domain

import "strings"

// KeyStrategy escolhe como uma request vira chave de partição.
type KeyStrategy string

const (
	// KeyByDefault: identidade autenticada se houver, senão endereço.
	KeyByDefault KeyStrategy = "default"
	// KeyByAuth: endereço + identificador tentado (o chamador ainda não está autenticado).
	KeyByAuth KeyStrategy = "auth"
	// KeyByKYC: identidade autenticada, com fallback para endereço.
	KeyByKYC KeyStrategy = "kyc"
	// KeyByAddress: sempre o endereço de rede.
	KeyByAddress KeyStrategy = "address"
)

type KeyKind string

const (
	KeyKindIdentity   KeyKind = "identity"
	KeyKindAddress    KeyKind = "address"
	KeyKindCredential KeyKind = "credential"
)

// Key é o identificador de partição de um contador.
type Key struct {
	Value string
	Kind  KeyKind
}

// Blockable diz se violações dessa chave podem bloquear o endereço de origem.
// Chaves de identidade nunca bloqueiam (evita loop de lockout).
func (k Key) Blockable() bool { return k.Kind != KeyKindIdentity }

func (k Key) String() string { return k.Value }

// Request é a visão da requisição que interessa ao limiter (agnóstica de HTTP).
type Request struct {
	Address    string
	Identity   string
	Credential string
	Method     string
	Path       string

	// CredentialFn resolve Credential sob demanda (ex.: lendo o corpo), só
	// quando a política usa a estratégia auth e o endereço não está bloqueado.
	CredentialFn func() string
}

const unknownAddress = "unknown"

// ResolveKey é a função pura de geração de chave.
func ResolveKey(strategy KeyStrategy, req Request) Key {
	addr := strings.TrimSpace(req.Address)
	if addr == "" {
		addr = unknownAddress
	}
	identity := strings.TrimSpace(req.Identity)

	switch strategy {
	case KeyByAuth:
		cred := strings.ToLower(strings.TrimSpace(req.Credential))
		if cred == "" {
			cred = "-"
		}
		return Key{Value: "auth:" + addr + ":" + cred, Kind: KeyKindCredential}
	case KeyByKYC:
		if identity != "" {
			return Key{Value: "kyc:" + identity, Kind: KeyKindIdentity}
		}
		return Key{Value: "addr:" + addr, Kind: KeyKindAddress}
	case KeyByAddress:
		return Key{Value: "addr:" + addr, Kind: KeyKindAddress}
	default:
		if identity != "" {
			return Key{Value: "identity:" + identity, Kind: KeyKindIdentity}
		}
		return Key{Value: "addr:" + addr, Kind: KeyKindAddress}
	}
}

// LimitKey particiona contador/violações/override por política.
func LimitKey(policy string, k Key) string {
	return policy + ":" + k.Value
}
