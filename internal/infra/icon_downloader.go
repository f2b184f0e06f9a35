package infra

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

// IconDownloader handles downloading and caching coin icons
type IconDownloader struct {
	basePath string
	size     int
	client   *http.Client

	mu    sync.Mutex
	known map[string]string // coin id -> file path
}

// NewIconDownloader creates a downloader storing icons under dir. An empty
// dir selects the per-user assets directory. size is the icon edge in pixels.
func NewIconDownloader(dir string, size int) (*IconDownloader, error) {
	path := dir
	if path == "" {
		var err error
		path, err = getAssetsPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve assets path: %w", err)
		}
	}
	if size <= 0 {
		size = 24
	}

	// Ensure directory exists
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create assets directory: %w", err)
	}

	// Optimize HTTP Transport to prevent connection leaks
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxConnsPerHost = 10
	transport.IdleConnTimeout = 30 * time.Second

	return &IconDownloader{
		basePath: path,
		size:     size,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
		known: make(map[string]string),
	}, nil
}

// Dir returns the directory holding the icons.
func (d *IconDownloader) Dir() string {
	return d.basePath
}

// DownloadIcon fetches imageURL for coin id unless it is already cached and
// returns the local file path. Images are resized to size x size pixels.
func (d *IconDownloader) DownloadIcon(ctx context.Context, id, imageURL string) (string, error) {
	// Security: Sanitize id to prevent path traversal
	safeID := sanitizeID(id)
	if safeID == "" {
		return "", fmt.Errorf("invalid coin id: %q", id)
	}
	if imageURL == "" {
		return "", fmt.Errorf("no image for %s", id)
	}

	filePath := filepath.Join(d.basePath, safeID+".png")

	// Check if exists
	if _, err := os.Stat(filePath); err == nil {
		d.remember(id, filePath)
		return filePath, nil // Already exists (Cache Hit)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", DefaultUserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bad status: %s", resp.Status)
	}

	// Decode the image
	srcImg, err := imaging.Decode(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	// Resize with high-quality Lanczos filter
	resizedImg := imaging.Resize(srcImg, d.size, d.size, imaging.Lanczos)

	// Save the resized image
	if err := imaging.Save(resizedImg, filePath); err != nil {
		return "", fmt.Errorf("failed to save resized image: %w", err)
	}

	d.remember(id, filePath)
	return filePath, nil
}

func (d *IconDownloader) remember(id, path string) {
	d.mu.Lock()
	d.known[id] = path
	d.mu.Unlock()
}

// IconPath returns the cached icon of id, if any.
func (d *IconDownloader) IconPath(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.known[id]
	return p, ok
}

// IconURL returns the path the web feed serves id's icon under, or "".
func (d *IconDownloader) IconURL(id string) string {
	p, ok := d.IconPath(id)
	if !ok {
		return ""
	}
	return "/icons/" + filepath.Base(p)
}

func getAssetsPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "CoinDash", "assets", "icons"), nil
}

func sanitizeID(id string) string {
	res := make([]rune, 0, len(id))
	for _, r := range strings.ToLower(id) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			res = append(res, r)
		}
	}
	return strings.Trim(string(res), "-_")
}
