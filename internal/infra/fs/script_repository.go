// internal/infra/fs/script_repository.go
package fs

import (
	"fmt"
	"path"
	"sort"

	"easy-content-upgrade/internal/domain"

	"github.com/spf13/afero"
)

type scriptRepository struct {
	fs afero.Fs
}

// NewScriptRepository creates a script repository over the given filesystem.
// Repository paths are resolved against the filesystem root.
func NewScriptRepository(fs afero.Fs) domain.ScriptRepository {
	return &scriptRepository{fs: fs}
}

// NewOsScriptRepository serves the content tree stored under root on disk.
func NewOsScriptRepository(root string) domain.ScriptRepository {
	return NewScriptRepository(afero.NewBasePathFs(afero.NewOsFs(), root))
}

func (r *scriptRepository) Stat(p string) (domain.ScriptInfo, error) {
	fi, err := r.fs.Stat(p)
	if err != nil {
		return domain.ScriptInfo{}, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	return domain.ScriptInfo{
		Path:    p,
		Name:    path.Base(p),
		IsDir:   fi.IsDir(),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}, nil
}

func (r *scriptRepository) List(dir string) ([]domain.ScriptInfo, error) {
	fis, err := afero.ReadDir(r.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	children := make([]domain.ScriptInfo, 0, len(fis))
	for _, fi := range fis {
		children = append(children, domain.ScriptInfo{
			Path:    path.Join(dir, fi.Name()),
			Name:    fi.Name(),
			IsDir:   fi.IsDir(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	return children, nil
}

func (r *scriptRepository) Read(p string) ([]byte, error) {
	content, err := afero.ReadFile(r.fs, p)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return content, nil
}
