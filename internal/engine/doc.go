// Package engine runs program submissions against the shared session. It
// serializes engine access through a single-permit gate, keeps the job
// registry current while a program runs, streams log progress to
// subscribers, and finalizes each job with its harvested artifacts.
package engine
