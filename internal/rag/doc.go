// Package rag implements an in-memory retrieval-augmented answering
// engine: documents are split into overlapping character chunks,
// embedded once on ingestion, ranked by cosine similarity at query
// time, and the top matches are handed to the chat service inside a
// grounding prompt.
package rag
