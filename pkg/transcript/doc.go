// Package transcript persists conversation transcripts as JSONL files.
//
// Each conversation is one file: a header line followed by one line per
// message. A save rewrites the file atomically. Old files are pruned by a
// cron-scheduled retention job.
package transcript
