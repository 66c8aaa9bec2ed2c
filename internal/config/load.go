package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/barryq93/promsql/internal/types"
)

// FromDocument validates a decoded document and builds its Config. Every
// violation found is reported, each prefixed with its field path.
func FromDocument(doc types.Document) (*Config, error) {
	var errs *multierror.Error
	jobs := make([]*Job, 0, len(doc.Jobs))

	if len(doc.Jobs) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("no jobs provided"))
	}
	for i, rawJob := range doc.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		if rawJob.Name != "" {
			path = fmt.Sprintf("jobs[%d] %q", i, rawJob.Name)
		}

		jb := JobBuilder{Name: rawJob.Name}
		for j, rawConn := range rawJob.Connections {
			conn, err := ConnectionDefBuilder{
				URL:             rawConn.URL,
				Username:        rawConn.Username,
				Password:        rawConn.Password,
				DriverClassName: rawConn.DriverClassName,
			}.Build()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s.connections[%d]: %w", path, j, err))
				continue
			}
			jb.Connections = append(jb.Connections, conn)
		}
		for j, rawQuery := range rawJob.Queries {
			q, err := queryFromDocument(rawQuery)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s.queries[%d]: %w", path, j, err))
				continue
			}
			jb.Queries = append(jb.Queries, q)
		}

		if len(rawJob.Connections) == 0 || len(rawJob.Queries) == 0 || rawJob.Name == "" {
			if _, err := jb.Build(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", path, err))
			}
			continue
		}
		if len(jb.Connections) != len(rawJob.Connections) || len(jb.Queries) != len(rawJob.Queries) {
			continue
		}
		job, err := jb.Build()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		jobs = append(jobs, job)
	}

	if errs != nil {
		if err := checkDocumentRefs(doc); err != nil {
			errs = multierror.Append(errs, err)
		}
		return nil, listErrors(errs)
	}
	return ConfigBuilder{Jobs: jobs, Queries: doc.Queries}.Build()
}

func queryFromDocument(raw types.Query) (*QueryDef, error) {
	b := QueryDefBuilder{
		Name:   raw.Name,
		Help:   raw.Help,
		Labels: raw.Labels,
		Values: raw.Values,
	}
	for _, l := range raw.StaticLabels {
		b.StaticLabels = append(b.StaticLabels, Label{Name: l.Name, Value: l.Value})
	}

	var errs *multierror.Error
	switch {
	case raw.Query != nil && raw.QueryRef != nil:
		errs = multierror.Append(errs, fmt.Errorf("cannot use query and query_ref at the same time"))
		b.Query = PlainQuery(*raw.Query)
	case raw.Query != nil:
		b.Query = PlainQuery(*raw.Query)
	case raw.QueryRef != nil:
		b.Query = QueryRef(*raw.QueryRef)
	}
	if raw.CacheSeconds != nil {
		if *raw.CacheSeconds <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("cache_seconds must be positive: %d", *raw.CacheSeconds))
		} else {
			b.CacheDuration = time.Duration(*raw.CacheSeconds) * time.Second
		}
	}
	q, err := b.Build()
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := listErrors(errs); err != nil {
		return nil, err
	}
	return q, nil
}

func checkDocumentRefs(doc types.Document) error {
	var invalid []string
	seen := make(map[string]struct{})
	for _, job := range doc.Jobs {
		for _, q := range job.Queries {
			if q.QueryRef == nil || q.Query != nil {
				continue
			}
			ref := *q.QueryRef
			if ref == "" {
				continue
			}
			if _, ok := doc.Queries[ref]; ok {
				continue
			}
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			invalid = append(invalid, ref)
		}
	}
	if len(invalid) == 0 {
		return nil
	}
	sort.Strings(invalid)
	return fmt.Errorf("invalid query refs: %s", strings.Join(invalid, ", "))
}

// Parse decodes every YAML document in r into a Config. Empty documents are
// skipped.
func Parse(r io.Reader) ([]*Config, error) {
	dec := yaml.NewDecoder(r)
	var configs []*Config
	for i := 0; ; i++ {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				return configs, nil
			}
			return nil, fmt.Errorf("unmarshaling YAML: %w", err)
		}
		if isEmptyDocument(&node) {
			continue
		}
		var doc types.Document
		if err := node.Decode(&doc); err != nil {
			return nil, fmt.Errorf("document %d: unmarshaling YAML: %w", i, err)
		}
		cfg, err := FromDocument(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		configs = append(configs, cfg)
	}
}

func isEmptyDocument(node *yaml.Node) bool {
	if node.Kind != yaml.DocumentNode || len(node.Content) == 0 {
		return true
	}
	n := node.Content[0]
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}

// LoadSource reads every configuration from path, which is either a single
// file or a directory searched recursively for *.yml and *.yaml files. It
// fails if no configuration is found at all.
func LoadSource(path string) ([]*Config, error) {
	files, err := sourceFiles(path)
	if err != nil {
		return nil, err
	}
	var configs []*Config
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		parsed, err := Parse(bytes.NewReader(data))
		if err != nil {
			return nil, &ConfigError{Source: file, Err: err}
		}
		configs = append(configs, parsed...)
	}
	if len(configs) == 0 {
		return nil, &ConfigError{Source: path, Err: fmt.Errorf("no configuration found")}
	}
	return configs, nil
}

// SourceModTime returns the modification time of path. For a directory it is
// the newest of the directory itself and every config file below it, so both
// edits and added or removed files are noticed.
func SourceModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	if !info.IsDir() {
		return info.ModTime(), nil
	}
	latest := info.ModTime()
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && !isConfigFile(p) {
			return nil
		}
		fi, err := entryInfo(p, d)
		if errors.Is(err, fs.ErrNotExist) {
			// dangling symlink
			return nil
		}
		if err != nil {
			return err
		}
		if fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
		return nil
	})
	return latest, err
}

func sourceFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading config source: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(p) {
			return nil
		}
		fi, err := entryInfo(p, d)
		if errors.Is(err, fs.ErrNotExist) {
			// dangling symlink
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking config source: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// entryInfo describes the walked entry, following it when it is a symlink.
func entryInfo(path string, d fs.DirEntry) (fs.FileInfo, error) {
	if d.Type()&fs.ModeSymlink != 0 {
		return os.Stat(path)
	}
	return d.Info()
}

func isConfigFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return true
	}
	return false
}
