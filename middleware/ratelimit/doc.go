// Package ratelimit fornece o adapter HTTP (net/http) do guard de rate limit e
// mitigação de abuso.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (Guard, Admin, Janitor, Dispatcher) sem net/http
//   - infra: implementações concretas (Redis, memória, Prometheus, semáforo)
//   - ratelimit (este pacote): middleware HTTP, extração de endereço e credencial,
//     tradução do Outcome para status/headers/corpo JSON, rotas admin e health
//
// Fluxo por request:
//
//  1. Health paths passam direto
//  2. Extrai endereço (RemoteAddr/XFF) e identidade
//  3. Guard.Evaluate: allowlist, blocklist, identificador tentado (políticas de auth), chave,
//     override adaptativo, contador
//  4. Bloqueado → 403; acima do teto → 429 (status da política); senão headers X-RateLimit-* e segue
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o comportamento,
// como RATE_LIMIT_<POLICY>_MAX, BLOCK_THRESHOLD e WHITELISTED_IPS.
package ratelimit
