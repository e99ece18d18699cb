// Package config provides centralized configuration management for the
// gateway runtime. A single YAML file describes the API server, logging,
// default provider parameters, session storage, embedding retry policy and
// retrieval tuning; unset fields fall back to documented defaults.
package config
