// Package catalog serves server, library and dataset metadata from a YAML
// document and materializes datasets as CSV files.
package catalog

import (
	"context"
	_ "embed"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sashelper/SDVBridge/internal/backend"
	"github.com/sashelper/SDVBridge/internal/model"
)

//go:embed default.yaml
var defaultCatalog []byte

// Catalog is the root of a catalog document. It is read-only after loading
// and safe for concurrent use.
type Catalog struct {
	Servers []Server `yaml:"servers"`
}

// Server is an execution target and its libraries.
type Server struct {
	Name      string    `yaml:"name"`
	Assigned  bool      `yaml:"assigned"`
	Libraries []Library `yaml:"libraries"`
}

// Library is a libref and its members.
type Library struct {
	Name     string    `yaml:"name"`
	Libref   string    `yaml:"libref"`
	Assigned bool      `yaml:"assigned"`
	Datasets []Dataset `yaml:"datasets"`
}

// Dataset is a member with its column metadata and sample rows. When File is
// set, exports copy that file instead of rendering Rows.
type Dataset struct {
	Member  string         `yaml:"member"`
	Columns []model.Column `yaml:"columns"`
	Rows    [][]string     `yaml:"rows"`
	File    string         `yaml:"file,omitempty"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("catalog: parse built-in catalog: %v", err))
	}
	return c
}

// Load reads a catalog document from path. An empty path selects the
// built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a catalog document and checks it for missing names.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	for _, s := range c.Servers {
		if s.Name == "" {
			return nil, fmt.Errorf("server without name")
		}
		for _, l := range s.Libraries {
			if l.Libref == "" {
				return nil, fmt.Errorf("library without libref on server %s", s.Name)
			}
			for _, d := range l.Datasets {
				if d.Member == "" {
					return nil, fmt.Errorf("dataset without member in %s.%s", s.Name, l.Libref)
				}
			}
		}
	}
	return &c, nil
}

// DefaultServer returns the server used when a request names none: the
// first assigned server, else the first server.
func (c *Catalog) DefaultServer() string {
	for _, s := range c.Servers {
		if s.Assigned {
			return s.Name
		}
	}
	if len(c.Servers) > 0 {
		return c.Servers[0].Name
	}
	return ""
}

func (c *Catalog) server(name string) (*Server, error) {
	if name == "" {
		name = c.DefaultServer()
	}
	for i := range c.Servers {
		if strings.EqualFold(c.Servers[i].Name, name) {
			return &c.Servers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: unknown server '%s'", backend.ErrNotFound, name)
}

func (c *Catalog) library(server, libref string) (*Server, *Library, error) {
	s, err := c.server(server)
	if err != nil {
		return nil, nil, err
	}
	for i := range s.Libraries {
		if strings.EqualFold(s.Libraries[i].Libref, libref) {
			return s, &s.Libraries[i], nil
		}
	}
	return nil, nil, fmt.Errorf("%w: no library '%s' on server '%s'", backend.ErrNotFound, libref, s.Name)
}

// Lookup resolves a dataset case-insensitively and returns the canonical
// server name with it.
func (c *Catalog) Lookup(server, libref, member string) (string, *Library, *Dataset, error) {
	s, l, err := c.library(server, libref)
	if err != nil {
		return "", nil, nil, err
	}
	for i := range l.Datasets {
		if strings.EqualFold(l.Datasets[i].Member, member) {
			return s.Name, l, &l.Datasets[i], nil
		}
	}
	return "", nil, nil, fmt.Errorf("%w: dataset '%s.%s' on server '%s'", backend.ErrNotFound, libref, member, s.Name)
}

// ListServers implements backend.Metadata.
func (c *Catalog) ListServers(_ context.Context) ([]model.Server, error) {
	out := make([]model.Server, 0, len(c.Servers))
	for _, s := range c.Servers {
		out = append(out, model.Server{Name: s.Name, IsAssigned: s.Assigned})
	}
	return out, nil
}

// ListLibraries implements backend.Metadata.
func (c *Catalog) ListLibraries(_ context.Context, server string) ([]model.Library, error) {
	s, err := c.server(server)
	if err != nil {
		return nil, err
	}
	out := make([]model.Library, 0, len(s.Libraries))
	for _, l := range s.Libraries {
		name := l.Name
		if name == "" {
			name = l.Libref
		}
		out = append(out, model.Library{Name: name, Libref: l.Libref, IsAssigned: l.Assigned})
	}
	return out, nil
}

// ListDatasets implements backend.Metadata.
func (c *Catalog) ListDatasets(_ context.Context, server, libref string) ([]model.Dataset, error) {
	s, l, err := c.library(server, libref)
	if err != nil {
		return nil, err
	}
	out := make([]model.Dataset, 0, len(l.Datasets))
	for _, d := range l.Datasets {
		out = append(out, model.Dataset{Member: d.Member, Libref: l.Libref, Server: s.Name})
	}
	return out, nil
}

// ListColumns implements backend.Metadata.
func (c *Catalog) ListColumns(_ context.Context, server, libref, member string) ([]model.Column, error) {
	_, _, d, err := c.Lookup(server, libref, member)
	if err != nil {
		return nil, err
	}
	return append([]model.Column(nil), d.Columns...), nil
}

// ExportDataset implements backend.DatasetExporter. A dataset with a File is
// copied as-is; otherwise its rows are written as <MEMBER>.csv, truncated
// to RowLimit when positive.
func (c *Catalog) ExportDataset(ctx context.Context, req backend.ExportRequest, destDir string) (string, error) {
	_, _, d, err := c.Lookup(req.Server, req.Libref, req.Member)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create export folder: %w", err)
	}

	if d.File != "" {
		dest := filepath.Join(destDir, filepath.Base(d.File))
		if err := copyFile(d.File, dest); err != nil {
			return "", fmt.Errorf("copy dataset file: %w", err)
		}
		return dest, nil
	}

	dest := filepath.Join(destDir, d.Member+".csv")
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	if err := WriteCSV(f, d, req.RowLimit); err != nil {
		f.Close()
		return "", fmt.Errorf("write export file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close export file: %w", err)
	}
	return dest, nil
}

// WriteCSV renders the dataset header and at most limit rows (all rows when
// limit <= 0) as CSV.
func WriteCSV(w io.Writer, d *Dataset, limit int) error {
	cw := csv.NewWriter(w)
	header := make([]string, len(d.Columns))
	for i, col := range d.Columns {
		header[i] = col.Name
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, row := range d.Rows {
		if limit > 0 && i >= limit {
			break
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
