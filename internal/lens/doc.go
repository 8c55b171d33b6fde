// Package lens defines the core types shared across subsystems: translation
// jobs and their metadata, stored result envelopes, OCR text annotations, the
// Google session cookie model, and the interfaces the pipeline is assembled
// from (Translator, ResultStore, Queue, Notifier, Publisher, BlobStore).
package lens
