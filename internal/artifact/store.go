package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/firmforge/firmforge/internal/common/errors"
	"github.com/firmforge/firmforge/internal/common/logger"
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

// Authorizer decides whether an agent may touch an artifact resource.
type Authorizer interface {
	CheckWrite(agentID, resource string) error
	CheckRead(agentID, resource string) error
}

// Store writes and reads run artifacts under <root>/runs/<run_id>/.
// Every write is authorized first, lands via temp-file-plus-rename, and
// gets exactly one sidecar. Paths are append-only except the
// quality_report_latest.json pointer.
type Store struct {
	root   string
	authz  Authorizer
	logger *logger.Logger

	now   func() time.Time
	newID func() string
}

// WriteOptions carries the optional parts of an artifact write.
type WriteOptions struct {
	// ModuleID scopes the artifact to one module and becomes a
	// subdirectory of the category.
	ModuleID string
	// Filename fixes the stored name. When empty a timestamped name
	// <stamp>_<agent>_<id>.<ext> is generated.
	Filename string
	// Extension for generated names, without the dot. Defaults to "txt".
	Extension string
	// PromptVersion recorded in the sidecar. Defaults to "v1".
	PromptVersion string
	// Format recorded in the sidecar. Defaults to "text".
	Format string
	// Extra is free-form sidecar payload (model name, stage, etc).
	Extra map[string]interface{}
}

// Written describes a stored artifact.
type Written struct {
	ArtifactID string
	Filename   string
	Path       string
	RelPath    string
	MetaPath   string
}

// ModularWritten describes a header/source pair stored as one artifact.
type ModularWritten struct {
	ArtifactID string
	HeaderPath string
	SourcePath string
	RelHeader  string
	RelSource  string
	MetaPath   string
}

// RunEntry is a run directory found on disk.
type RunEntry struct {
	RunID      string
	ModifiedAt time.Time
}

// NewStore creates the runs root under outputDir if needed.
func NewStore(outputDir string, authz Authorizer, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	root := filepath.Join(outputDir, "runs")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.IOFailure("create", root, err)
	}
	return &Store{
		root:   root,
		authz:  authz,
		logger: log.WithFields(zap.String("component", "artifact-store")),
		now:    time.Now,
		newID:  newArtifactID,
	}, nil
}

// Root returns the runs root directory.
func (s *Store) Root() string { return s.root }

// RunDir returns the directory of a run without creating it.
func (s *Store) RunDir(runID string) string { return filepath.Join(s.root, runID) }

// RunExists reports whether the run directory is present on disk.
func (s *Store) RunExists(runID string) bool {
	if !safeSegment(runID) {
		return false
	}
	info, err := os.Stat(s.RunDir(runID))
	return err == nil && info.IsDir()
}

// EnsureRun creates the run directory and returns its path.
func (s *Store) EnsureRun(runID string) (string, error) {
	if !safeSegment(runID) {
		return "", errors.InvalidInput("invalid run id")
	}
	dir := s.RunDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.IOFailure("create", dir, err)
	}
	return dir, nil
}

// WriteArtifact stores one artifact with its sidecar and returns where it
// landed. The capability check runs before anything touches disk.
func (s *Store) WriteArtifact(runID, agentID string, typ Type, data []byte, opts WriteOptions) (*Written, error) {
	if !safeSegment(runID) {
		return nil, errors.InvalidInput("invalid run id")
	}
	if opts.ModuleID != "" && !safeSegment(opts.ModuleID) {
		return nil, errors.InvalidInput("invalid module id")
	}
	if opts.Filename != "" && !safeSegment(opts.Filename) {
		return nil, errors.InvalidInput("invalid artifact filename")
	}
	// The matrix is the only whitelist of artifact types: an unknown
	// type is simply one no agent was ever granted.
	resource := string(typ)
	if opts.ModuleID != "" {
		resource += ":" + opts.ModuleID
	}
	if err := s.authz.CheckWrite(agentID, resource); err != nil {
		return nil, err
	}
	if !safeSegment(string(typ)) {
		return nil, errors.InvalidInput("invalid artifact type")
	}

	now := s.now()
	id := s.newID()
	filename := opts.Filename
	if filename == "" {
		ext := strings.TrimPrefix(opts.Extension, ".")
		if ext == "" {
			ext = "txt"
		}
		filename = filenameStamp(now) + "_" + safeAgentID(agentID) + "_" + id + "." + ext
	}

	dir := s.RunDir(runID)
	dir = filepath.Join(dir, string(typ))
	if opts.ModuleID != "" {
		dir = filepath.Join(dir, opts.ModuleID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.IOFailure("create", dir, err)
	}

	path := filepath.Join(dir, filename)
	if _, err := os.Stat(path); err == nil {
		return nil, errors.Conflict("artifact '" + filename + "' already exists")
	}
	if err := writeFileAtomic(path, data); err != nil {
		return nil, errors.IOFailure("write", path, err)
	}

	meta := Metadata{
		ArtifactID:     id,
		AgentID:        agentID,
		ArtifactType:   string(typ),
		ModuleID:       opts.ModuleID,
		PromptVersion:  promptVersionOrDefault(opts.PromptVersion),
		Timestamp:      timestampUTC(now),
		ArtifactFormat: formatOrDefault(opts.Format),
		Extra:          opts.Extra,
	}
	metaPath := path + MetaSuffix
	if err := s.writeSidecar(metaPath, meta); err != nil {
		os.Remove(path)
		return nil, err
	}

	rel := relPath(string(typ), opts.ModuleID, filename)
	s.maybeWriteLatestPointer(runID, typ, data)
	s.logger.Debug("artifact written",
		zap.String("run_id", runID),
		zap.String("agent_id", agentID),
		zap.String("artifact_type", string(typ)),
		zap.String("path", rel))
	return &Written{
		ArtifactID: id,
		Filename:   filename,
		Path:       path,
		RelPath:    rel,
		MetaPath:   metaPath,
	}, nil
}

// WriteJSON canonicalizes v (sorted keys, trailing newline) and stores it
// as a .json artifact.
func (s *Store) WriteJSON(runID, agentID string, typ Type, v interface{}, opts WriteOptions) (*Written, error) {
	data, err := canonicalJSON(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode artifact JSON")
	}
	if opts.Extension == "" {
		opts.Extension = "json"
	}
	if opts.Format == "" {
		opts.Format = FormatJSON
	}
	return s.WriteArtifact(runID, agentID, typ, data, opts)
}

// WriteModularCode stores a header/source pair under
// module_code/<module>/<module>.h|.c sharing one sidecar.
func (s *Store) WriteModularCode(runID, agentID, moduleID string, header, source []byte, opts WriteOptions) (*ModularWritten, error) {
	if !safeSegment(runID) {
		return nil, errors.InvalidInput("invalid run id")
	}
	if !safeSegment(moduleID) {
		return nil, errors.InvalidInput("invalid module id")
	}
	resource := string(TypeModuleCode) + ":" + moduleID
	if err := s.authz.CheckWrite(agentID, resource); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.RunDir(runID), string(TypeModuleCode), moduleID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.IOFailure("create", dir, err)
	}

	headerPath := filepath.Join(dir, moduleID+".h")
	sourcePath := filepath.Join(dir, moduleID+".c")
	for _, p := range []string{headerPath, sourcePath} {
		if _, err := os.Stat(p); err == nil {
			return nil, errors.Conflict("artifact '" + filepath.Base(p) + "' already exists")
		}
	}
	if err := writeFileAtomic(headerPath, header); err != nil {
		return nil, errors.IOFailure("write", headerPath, err)
	}
	if err := writeFileAtomic(sourcePath, source); err != nil {
		os.Remove(headerPath)
		return nil, errors.IOFailure("write", sourcePath, err)
	}

	id := s.newID()
	meta := Metadata{
		ArtifactID:     id,
		AgentID:        agentID,
		ArtifactType:   string(TypeModuleCode),
		ModuleID:       moduleID,
		PromptVersion:  promptVersionOrDefault(opts.PromptVersion),
		Timestamp:      timestampUTC(s.now()),
		ArtifactFormat: FormatMultiFile,
		SubArtifacts:   []string{moduleID + ".h", moduleID + ".c"},
		Extra:          opts.Extra,
	}
	metaPath := filepath.Join(dir, "_artifact_"+id+MetaSuffix)
	if err := s.writeSidecar(metaPath, meta); err != nil {
		os.Remove(headerPath)
		os.Remove(sourcePath)
		return nil, err
	}

	s.logger.Debug("module code written",
		zap.String("run_id", runID),
		zap.String("agent_id", agentID),
		zap.String("module_id", moduleID))
	return &ModularWritten{
		ArtifactID: id,
		HeaderPath: headerPath,
		SourcePath: sourcePath,
		RelHeader:  relPath(string(TypeModuleCode), moduleID, moduleID+".h"),
		RelSource:  relPath(string(TypeModuleCode), moduleID, moduleID+".c"),
		MetaPath:   metaPath,
	}, nil
}

// Read returns the contents of one artifact after a capability check.
// The selector is a path relative to the category directory, e.g.
// "uart0/uart0.h" within module_code.
func (s *Store) Read(runID, agentID string, typ Type, selector string) ([]byte, error) {
	if !safeSegment(runID) {
		return nil, errors.InvalidInput("invalid run id")
	}
	resource := string(typ)
	if i := strings.IndexByte(selector, '/'); i > 0 {
		resource += ":" + selector[:i]
	}
	if err := s.authz.CheckRead(agentID, resource); err != nil {
		return nil, err
	}
	if !safeSegment(string(typ)) {
		return nil, errors.InvalidInput("invalid artifact type")
	}

	base := filepath.Join(s.RunDir(runID), string(typ))
	path, err := secureJoin(base, selector)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("artifact", selector)
		}
		return nil, errors.IOFailure("read", path, err)
	}
	return data, nil
}

// ListArtifacts walks a run tree and returns every stored file except
// sidecars, sorted by category then name.
func (s *Store) ListArtifacts(runID string) ([]v1.ArtifactInfo, error) {
	if !safeSegment(runID) {
		return nil, errors.InvalidInput("invalid run id")
	}
	runDir := s.RunDir(runID)
	if _, err := os.Stat(runDir); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("run", runID)
		}
		return nil, errors.IOFailure("stat", runDir, err)
	}

	var out []v1.ArtifactInfo
	err := filepath.WalkDir(runDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), MetaSuffix) {
			return nil
		}
		rel, rerr := filepath.Rel(runDir, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		category := rel
		if i := strings.IndexByte(rel, '/'); i > 0 {
			category = rel[:i]
		}
		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		out = append(out, v1.ArtifactInfo{
			RunID:      runID,
			Category:   category,
			Name:       d.Name(),
			Path:       rel,
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.IOFailure("list", runDir, err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// Counts tallies artifact units per category by counting sidecars, so a
// header/source pair counts once.
func (s *Store) Counts(runID string) (v1.ArtifactCounts, error) {
	var counts v1.ArtifactCounts
	if !safeSegment(runID) {
		return counts, errors.InvalidInput("invalid run id")
	}
	runDir := s.RunDir(runID)
	if _, err := os.Stat(runDir); err != nil {
		if os.IsNotExist(err) {
			return counts, nil
		}
		return counts, errors.IOFailure("stat", runDir, err)
	}
	err := filepath.WalkDir(runDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), MetaSuffix) {
			return nil
		}
		rel, rerr := filepath.Rel(runDir, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		category := rel
		if i := strings.IndexByte(rel, '/'); i > 0 {
			category = rel[:i]
		}
		switch Type(category) {
		case TypeArchitecture:
			counts.Architecture++
		case TypeModuleCode:
			counts.Code++
		case TypeTests:
			counts.Tests++
		case TypeReports:
			counts.Reports++
		case TypeBuildLog:
			counts.Build++
		}
		return nil
	})
	if err != nil {
		return counts, errors.IOFailure("list", runDir, err)
	}
	return counts, nil
}

// ListRuns returns every run directory on disk, newest first.
func (s *Store) ListRuns() ([]RunEntry, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.IOFailure("list", s.root, err)
	}
	var out []RunEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, ierr := e.Info()
		if ierr != nil {
			continue
		}
		out = append(out, RunEntry{RunID: e.Name(), ModifiedAt: info.ModTime().UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.After(out[j].ModifiedAt) })
	return out, nil
}

// ReadRunLogs parses build_log/*.json and reports/*.json of a run,
// skipping sidecars, sorted newest first by filename stamp.
func (s *Store) ReadRunLogs(runID string) (*v1.RunLogs, error) {
	if !safeSegment(runID) {
		return nil, errors.InvalidInput("invalid run id")
	}
	runDir := s.RunDir(runID)
	if _, err := os.Stat(runDir); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("run", runID)
		}
		return nil, errors.IOFailure("stat", runDir, err)
	}
	logs := &v1.RunLogs{
		RunID:          runID,
		OutputDir:      runDir,
		BuildLogs:      []map[string]interface{}{},
		QualityReports: []map[string]interface{}{},
	}
	var err error
	logs.BuildLogs, err = s.parseJSONDir(filepath.Join(runDir, string(TypeBuildLog)))
	if err != nil {
		return nil, err
	}
	logs.QualityReports, err = s.parseJSONDir(filepath.Join(runDir, string(TypeReports)))
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// ResolvePath maps a run-relative path to an absolute file path,
// rejecting anything that escapes the run directory.
func (s *Store) ResolvePath(runID, rel string) (string, error) {
	if !safeSegment(runID) {
		return "", errors.InvalidInput("invalid run id")
	}
	return secureJoin(s.RunDir(runID), rel)
}

func (s *Store) parseJSONDir(dir string) ([]map[string]interface{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []map[string]interface{}{}, nil
		}
		return nil, errors.IOFailure("list", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, MetaSuffix) {
			continue
		}
		names = append(names, name)
	}
	// Timestamped names sort chronologically, so reverse order is newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	out := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		data, rerr := os.ReadFile(filepath.Join(dir, name))
		if rerr != nil {
			s.logger.Warn("skipping unreadable log file",
				zap.String("path", filepath.Join(dir, name)), zap.Error(rerr))
			continue
		}
		var parsed map[string]interface{}
		if jerr := json.Unmarshal(data, &parsed); jerr != nil {
			s.logger.Warn("skipping malformed log file",
				zap.String("path", filepath.Join(dir, name)), zap.Error(jerr))
			continue
		}
		out = append(out, parsed)
	}
	return out, nil
}

// maybeWriteLatestPointer refreshes reports/quality_report_latest.json
// whenever a reports artifact holds valid JSON. Pointer failures are
// logged, never surfaced: the report itself already landed.
func (s *Store) maybeWriteLatestPointer(runID string, typ Type, data []byte) {
	if typ != TypeReports || !json.Valid(data) {
		return
	}
	path := filepath.Join(s.RunDir(runID), string(TypeReports), QualityReportLatest)
	if err := writeFileAtomic(path, data); err != nil {
		s.logger.Warn("could not refresh latest quality report pointer",
			zap.String("run_id", runID), zap.Error(err))
	}
}

func (s *Store) writeSidecar(path string, meta Metadata) error {
	data, err := canonicalJSON(meta)
	if err != nil {
		return errors.Wrap(err, "encode sidecar")
	}
	if err := writeFileAtomic(path, data); err != nil {
		return errors.IOFailure("write", path, err)
	}
	return nil
}

// writeFileAtomic lands data via a temp file in the target directory and
// a rename, so readers never observe partial content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmpName)
		if werr != nil {
			return werr
		}
		return cerr
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// safeAgentID flattens role-qualified agent IDs for filenames.
func safeAgentID(agentID string) string {
	return strings.ReplaceAll(agentID, ":", "_")
}

// safeSegment accepts a single path element with no separators.
func safeSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\")
}

func secureJoin(base, rel string) (string, error) {
	rel = filepath.FromSlash(rel)
	if filepath.IsAbs(rel) {
		return "", errors.InvalidInput("absolute artifact paths are not allowed")
	}
	joined := filepath.Clean(filepath.Join(base, rel))
	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", errors.InvalidInput("artifact path escapes the run directory")
	}
	return joined, nil
}

func promptVersionOrDefault(v string) string {
	if v == "" {
		return "v1"
	}
	return v
}

func formatOrDefault(f string) string {
	if f == "" {
		return FormatText
	}
	return f
}

func relPath(category, moduleID, filename string) string {
	if moduleID != "" {
		return category + "/" + moduleID + "/" + filename
	}
	return category + "/" + filename
}
