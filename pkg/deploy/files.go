package deploy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/acorn-io/acorn-publish/pkg/db"
	"github.com/acorn-io/acorn-publish/pkg/render"
	"github.com/zeebo/blake3"
	"gorm.io/datatypes"
)

// File is one compiled output file, relative to the deployment prefix.
type File struct {
	Path        string
	Body        []byte
	ContentType string
}

// pageDir is where a page's files live under the prefix. The home page owns
// the root.
func pageDir(page db.Page) (string, error) {
	if page.IsHome {
		return "", nil
	}
	slug := strings.Trim(page.Slug, "/")
	if slug == "" || path.Clean(slug) != slug || strings.HasPrefix(slug, "..") {
		return "", fmt.Errorf("invalid page slug %q", page.Slug)
	}
	return slug + "/", nil
}

func (o *Orchestrator) compileSite(ctx context.Context, site db.Site, pages []db.Page) ([]File, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: site %s has no pages", ErrCompilation, site.ID)
	}

	seen := map[string]string{}
	var files []File
	for _, page := range pages {
		dir, err := pageDir(page)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompilation, err)
		}
		if other, ok := seen[dir]; ok {
			return nil, fmt.Errorf("%w: pages %s and %s both render to /%s", ErrCompilation, other, page.Slug, dir)
		}
		seen[dir] = page.Slug

		out, err := o.compiler.Compile(ctx, site, page)
		if err != nil {
			return nil, fmt.Errorf("%w: page %s: %v", ErrCompilation, page.Slug, err)
		}
		files = append(files,
			File{Path: dir + "index.html", Body: []byte(out.HTML), ContentType: render.ContentTypeHTML},
			File{Path: dir + "styles.css", Body: []byte(out.CSS), ContentType: render.ContentTypeCSS},
			File{Path: dir + "script.js", Body: []byte(out.JS), ContentType: render.ContentTypeJS},
		)
	}

	if _, ok := seen[""]; !ok {
		return nil, fmt.Errorf("%w: site %s has no home page", ErrCompilation, site.ID)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

type snapshotPage struct {
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CSS       string    `json:"css,omitempty"`
	JS        string    `json:"js,omitempty"`
	IsHome    bool      `json:"isHome,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type snapshotFile struct {
	Path        string `json:"path"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	Digest      string `json:"digest"`
}

// newSnapshot records exactly what was compiled. Digest covers every file
// path and body, so two snapshots with equal digests served the same bytes.
func newSnapshot(siteID string, pages []db.Page, files []File) (*db.ContentSnapshot, error) {
	sp := make([]snapshotPage, 0, len(pages))
	for _, p := range pages {
		sp = append(sp, snapshotPage{
			Slug:      p.Slug,
			Title:     p.Title,
			Body:      p.Body,
			CSS:       p.CSS,
			JS:        p.JS,
			IsHome:    p.IsHome,
			UpdatedAt: p.UpdatedAt,
		})
	}

	all := blake3.New()
	sf := make([]snapshotFile, 0, len(files))
	for _, f := range files {
		sum := blake3.Sum256(f.Body)
		sf = append(sf, snapshotFile{
			Path:        f.Path,
			ContentType: f.ContentType,
			Size:        len(f.Body),
			Digest:      hex.EncodeToString(sum[:]),
		})
		_, _ = all.Write([]byte(f.Path))
		_, _ = all.Write([]byte{0})
		_, _ = all.Write(sum[:])
	}

	pagesJSON, err := json.Marshal(sp)
	if err != nil {
		return nil, err
	}
	filesJSON, err := json.Marshal(sf)
	if err != nil {
		return nil, err
	}

	return &db.ContentSnapshot{
		SiteID: siteID,
		Digest: hex.EncodeToString(all.Sum(nil)),
		Pages:  datatypes.JSON(pagesJSON),
		Files:  datatypes.JSON(filesJSON),
	}, nil
}
