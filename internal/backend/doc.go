// Package backend defines the narrow interfaces the bridge uses to reach the
// external SAS session: program submission and polling, metadata browsing, and
// dataset export. Concrete adapters live in sub-packages.
package backend
