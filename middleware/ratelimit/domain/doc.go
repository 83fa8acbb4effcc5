// Package domain define contratos e tipos de domínio do rate limit adaptativo.
//
// Aqui vivem as políticas (Policy/Registry), a geração de chaves, a aritmética de
// escalonamento (override adaptativo), os registros de violação/bloqueio, os eventos
// de segurança e as interfaces de storage.
//
// Este pacote não depende de net/http nem de implementações concretas.
// A intenção é permitir testes de unidade puros e desacoplar regras de negócio
// de detalhes de infraestrutura.
package domain
