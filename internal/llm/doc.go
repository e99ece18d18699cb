// Package llm contains the provider-neutral contracts and the registry for
// invoking large language models. It abstracts away provider-specific APIs
// and normalizes request/response lifecycles for the gateway services built
// on top of it.
package llm
