package report

import (
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
)

// LibraryModule is the module path used to look up the library version in
// the host's build info.
const LibraryModule = "github.com/hugo-lorenzo-mato/crashkit"

type metadata struct {
	application        string
	applicationVersion string
	libraryVersion     string
}

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

var (
	metaOnce sync.Once
	metaMu   sync.RWMutex
	meta     metadata
)

// SetHostVersion overrides the host application version when the binary
// carries no module version, e.g. one stamped with -ldflags.
func SetHostVersion(v string) {
	loadMetadata()
	metaMu.Lock()
	meta.applicationVersion = v
	metaMu.Unlock()
}

func hostMetadata() metadata {
	loadMetadata()
	metaMu.RLock()
	defer metaMu.RUnlock()
	return meta
}

func loadMetadata() {
	metaOnce.Do(func() {
		metaMu.Lock()
		defer metaMu.Unlock()
		meta = readMetadata()
	})
}

func readMetadata() metadata {
	var m metadata
	if len(os.Args) > 0 {
		m.application = strings.TrimSuffix(filepath.Base(os.Args[0]), ".exe")
	}

	bi, ok := readBuildInfo()
	if !ok || bi == nil {
		return m
	}
	if bi.Path != "" {
		m.application = filepath.Base(bi.Path)
	}
	m.applicationVersion = cleanVersion(bi.Main.Version)
	if bi.Main.Path == LibraryModule {
		m.libraryVersion = m.applicationVersion
		return m
	}
	for _, dep := range bi.Deps {
		if dep.Path == LibraryModule {
			m.libraryVersion = cleanVersion(dep.Version)
			break
		}
	}
	return m
}

func cleanVersion(v string) string {
	if v == "(devel)" {
		return ""
	}
	return v
}
