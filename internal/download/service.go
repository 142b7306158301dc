package download

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"InstaTG/internal/monitoring"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/melbahja/got"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidURL          = errors.New("invalid download url")
	ErrTooLarge            = errors.New("file exceeds maximum download size")
	ErrMediaTypeNotAllowed = errors.New("media type not allowed")
)

// fallbackExtensions also lists the media types used as filename prefixes.
var fallbackExtensions = map[string]string{
	"image":           "jpg",
	"video":           "mp4",
	"audio":           "mp3",
	"profile_picture": "jpg",
}

// Recorder persists a completed download in the user's history.
type Recorder interface {
	LogDownload(ctx context.Context, telegramID int64, mediaType, path string) error
}

type Options struct {
	Directory    string
	MaxSize      int64
	AllowedTypes []string
	Retention    time.Duration
	UserAgent    string
	Clock        clockwork.Clock
	Recorder     Recorder
}

type Service struct {
	dir       string
	maxSize   int64
	allowed   []string
	retention time.Duration
	clock     clockwork.Clock
	recorder  Recorder
}

func NewService(opts Options) (*Service, error) {
	if opts.Directory == "" {
		return nil, errors.New("download directory is required")
	}
	if err := os.MkdirAll(opts.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.UserAgent != "" {
		got.UserAgent = opts.UserAgent
	}

	allowed := make([]string, 0, len(opts.AllowedTypes))
	for _, t := range opts.AllowedTypes {
		allowed = append(allowed, strings.ToLower(strings.TrimPrefix(t, ".")))
	}

	return &Service{
		dir:       opts.Directory,
		maxSize:   opts.MaxSize,
		allowed:   allowed,
		retention: opts.Retention,
		clock:     opts.Clock,
		recorder:  opts.Recorder,
	}, nil
}

// Download fetches rawURL into the user's directory and records it. An empty
// filename is replaced by a generated one; a supplied one must carry an
// allowed extension, or gets one derived from the URL and media type.
func (s *Service) Download(ctx context.Context, rawURL string, telegramID int64, mediaType, filename string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	var ext string
	if filename != "" {
		filename = filepath.Base(filename)
		ext = strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
		if ext == "" {
			ext = s.extension(u, mediaType)
			filename += "." + ext
		}
	} else {
		ext = s.extension(u, mediaType)
	}
	if !slices.Contains(s.allowed, ext) {
		monitoring.DownloadsTotal.WithLabelValues(mediaType, "rejected").Inc()
		return "", fmt.Errorf("%w: .%s", ErrMediaTypeNotAllowed, ext)
	}
	if filename == "" {
		filename = s.generateFilename(mediaType, ext)
	}

	userDir := filepath.Join(s.dir, strconv.FormatInt(telegramID, 10))
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return "", fmt.Errorf("create user directory: %w", err)
	}
	dest := filepath.Join(userDir, filename)

	dl := got.NewDownload(ctx, u.String(), dest)
	if err := dl.Init(); err != nil {
		monitoring.DownloadsTotal.WithLabelValues(mediaType, "failed").Inc()
		return "", fmt.Errorf("init download: %w", err)
	}

	if s.maxSize > 0 && dl.TotalSize() > uint64(s.maxSize) {
		os.Remove(dest)
		monitoring.DownloadsTotal.WithLabelValues(mediaType, "too_large").Inc()
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, dl.TotalSize())
	}

	if err := dl.Start(); err != nil {
		os.Remove(dest)
		monitoring.DownloadsTotal.WithLabelValues(mediaType, "failed").Inc()
		return "", fmt.Errorf("download %s: %w", u.Host, err)
	}

	size, err := s.ValidateFileSize(dest)
	if err != nil {
		os.Remove(dest)
		monitoring.DownloadsTotal.WithLabelValues(mediaType, "too_large").Inc()
		return "", err
	}

	monitoring.DownloadsTotal.WithLabelValues(mediaType, "ok").Inc()
	monitoring.DownloadedBytes.Add(float64(size))
	monitoring.Logger().WithFields(logrus.Fields{
		"user_id":    telegramID,
		"media_type": mediaType,
		"path":       dest,
		"bytes":      size,
		"speed_kbps": dl.AvgSpeed() / 1024,
	}).Info("file downloaded")

	if s.recorder != nil {
		if err := s.recorder.LogDownload(ctx, telegramID, mediaType, dest); err != nil {
			monitoring.LogError(monitoring.LogEntry{UserID: telegramID, Action: "log_download", Error: err})
		}
	}

	return dest, nil
}

// ValidateFileSize returns the file size, or ErrTooLarge when it exceeds the limit.
func (s *Service) ValidateFileSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", p, err)
	}
	if s.maxSize > 0 && info.Size() > s.maxSize {
		return info.Size(), fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}
	return info.Size(), nil
}

// Remove deletes a downloaded file. Missing files are not an error.
func (s *Service) Remove(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Service) extension(u *url.URL, mediaType string) string {
	if ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), ".")); ext != "" && slices.Contains(s.allowed, ext) {
		return ext
	}
	if ext, ok := fallbackExtensions[mediaType]; ok {
		return ext
	}
	return "bin"
}

func (s *Service) generateFilename(mediaType, ext string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s.%s", mediaType, s.clock.Now().Format("20060102_150405"), id, ext)
}

// CleanupOldDownloads removes files older than the retention period and
// returns how many were deleted.
func (s *Service) CleanupOldDownloads() (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-s.retention)
	removed := 0

	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err != nil {
				monitoring.LogError(monitoring.LogEntry{Action: "cleanup_downloads", Error: err, ExtraData: map[string]interface{}{"path": p}})
				return nil
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Run cleans up old downloads every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			n, err := s.CleanupOldDownloads()
			if err != nil {
				monitoring.LogError(monitoring.LogEntry{Action: "cleanup_downloads", Error: err})
				continue
			}
			if n > 0 {
				monitoring.LogInfo(monitoring.LogEntry{Action: "cleanup_downloads", ExtraData: map[string]interface{}{"removed": n}})
			}
		}
	}
}

type Stats struct {
	TotalDownloads int            `json:"total_downloads"`
	TotalSize      int64          `json:"total_size"`
	MediaTypes     map[string]int `json:"media_type_breakdown"`
}

type GlobalStats struct {
	Stats
	Users map[string]Stats `json:"user_downloads"`
}

// Stats summarizes the files currently kept for one user.
func (s *Service) Stats(telegramID int64) (Stats, error) {
	return s.dirStats(filepath.Join(s.dir, strconv.FormatInt(telegramID, 10)))
}

func (s *Service) GlobalStats() (GlobalStats, error) {
	global := GlobalStats{
		Stats: Stats{MediaTypes: map[string]int{}},
		Users: map[string]Stats{},
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return global, fmt.Errorf("read download directory: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		st, err := s.dirStats(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return global, err
		}
		global.Users[e.Name()] = st
		global.TotalDownloads += st.TotalDownloads
		global.TotalSize += st.TotalSize
		for k, v := range st.MediaTypes {
			global.MediaTypes[k] += v
		}
	}
	return global, nil
}

func (s *Service) dirStats(dir string) (Stats, error) {
	st := Stats{MediaTypes: map[string]int{}}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		st.TotalDownloads++
		st.TotalSize += info.Size()
		st.MediaTypes[mediaTypeOf(e.Name())]++
	}
	return st, nil
}

// mediaTypeOf recovers the media type a stored filename starts with.
func mediaTypeOf(name string) string {
	for mediaType := range fallbackExtensions {
		if strings.HasPrefix(name, mediaType+"_") {
			return mediaType
		}
	}
	mediaType, _, _ := strings.Cut(name, "_")
	return mediaType
}

// HealthCheck verifies the download directory exists and is writable.
func (s *Service) HealthCheck() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}
	probe := filepath.Join(s.dir, "health_check_"+uuid.NewString()+".tmp")
	if err := os.WriteFile(probe, []byte("health check"), 0o644); err != nil {
		return fmt.Errorf("download directory not writable: %w", err)
	}
	return os.Remove(probe)
}
