// Package application contém os casos de uso do guard: decisão de rate limit,
// escalonamento adaptativo, blocklist, operações administrativas e housekeeping.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Guard.Evaluate(ctx, policy, req) retorna um Outcome (allow/limited/blocked).
package application
