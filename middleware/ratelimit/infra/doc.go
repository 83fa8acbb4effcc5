// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - MemoryStore: estado em memória (instância única, testes, drills de fail-open)
//   - RedisStore: estado compartilhado entre processos, com scripts Lua atômicos
//   - MemoryEventSink / RedisEventSink: eventos de segurança com retenção
//   - ChanPool: semáforo simples usado pelo despacho assíncrono de eventos
//   - Metrics: contadores Prometheus
package infra
