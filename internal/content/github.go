package content

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/ashureev/studybot/internal/domain"
	"github.com/ashureev/studybot/internal/metrics"
)

const (
	// DefaultRepoAPI is the GitHub contents API root of the lesson repository.
	DefaultRepoAPI = "https://api.github.com/repos/Python-Crash-Course/Python101"
	// DefaultRawBase serves raw files from the same repository.
	DefaultRawBase = "https://raw.githubusercontent.com/Python-Crash-Course/Python101/main/"

	userAgent       = "StudyBot-Educational-Tool/1.0"
	maxResponseSize = 4 << 20
)

var (
	lessonPatterns = []*regexp.Regexp{
		regexp.MustCompile(`lesson[\s_-]*\d+`),
		regexp.MustCompile(`chapter[\s_-]*\d+`),
		regexp.MustCompile(`part[\s_-]*\d+`),
		regexp.MustCompile(`module[\s_-]*\d+`),
		regexp.MustCompile(`week[\s_-]*\d+`),
		regexp.MustCompile(`day[\s_-]*\d+`),
		regexp.MustCompile(`\d+[\s_-]*(lesson|chapter|part|module)`),
		regexp.MustCompile(`^[0-9]{1,2}[\s_-]*`),
	}
	lessonTopics = []string{
		"basics", "variables", "functions", "loops", "conditionals",
		"data_structures", "lists", "dictionaries", "classes",
		"file_handling", "exceptions", "modules", "packages",
	}
	orderNumber = regexp.MustCompile(`\d+`)
	readmeNames = []string{"readme.md", "lesson.md", "index.md"}
)

// GitHubConfig configures GitHubSource.
type GitHubConfig struct {
	RepoAPI string
	RawBase string
	// Interval is the minimum delay between upstream requests.
	Interval time.Duration
	Client   *http.Client
}

// GitHubSource builds modules from a lesson repository on GitHub. Requests
// are paced so the unauthenticated API quota is not exhausted.
type GitHubSource struct {
	repoAPI string
	rawBase string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

type repoEntry struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Type     string `json:"type"`
	Encoding string `json:"encoding,omitempty"`
	Content  string `json:"content,omitempty"`
}

// NewGitHubSource creates a GitHubSource.
func NewGitHubSource(cfg GitHubConfig, logger *slog.Logger) *GitHubSource {
	if cfg.RepoAPI == "" {
		cfg.RepoAPI = DefaultRepoAPI
	}
	if cfg.RawBase == "" {
		cfg.RawBase = DefaultRawBase
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHubSource{
		repoAPI: strings.TrimRight(cfg.RepoAPI, "/"),
		rawBase: strings.TrimRight(cfg.RawBase, "/") + "/",
		client:  cfg.Client,
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
		logger:  logger,
	}
}

// Modules parses every lesson directory in the repository. When the
// repository has no lesson directories the README is parsed as one module.
func (g *GitHubSource) Modules(ctx context.Context) (modules []domain.Module, err error) {
	defer func() { metrics.ObserveContentFetch("github", err) }()

	var root []repoEntry
	if err := g.getJSON(ctx, g.repoAPI+"/contents", &root); err != nil {
		return nil, fmt.Errorf("list repository: %w", err)
	}

	dirs := lessonDirs(root)
	if len(dirs) == 0 {
		readme, err := g.getRaw(ctx, "README.md")
		if err != nil {
			return nil, fmt.Errorf("fetch readme: %w", err)
		}
		m := ParseLesson(readme)
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("parse readme: %w", err)
		}
		return []domain.Module{m}, nil
	}

	for _, dir := range dirs {
		m, err := g.parseLessonDir(ctx, dir)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			g.logger.Warn("skipping lesson directory", "path", dir, "error", err)
			continue
		}
		if m == nil {
			g.logger.Info("skipping lesson directory without content", "path", dir)
			continue
		}
		m.OrderIndex = len(modules)
		modules = append(modules, *m)
	}
	if len(modules) == 0 {
		return nil, ErrNoModules
	}
	g.logger.Info("parsed lesson repository", "modules", len(modules))
	return modules, nil
}

func (g *GitHubSource) parseLessonDir(ctx context.Context, dir string) (*domain.Module, error) {
	var entries []repoEntry
	if err := g.getJSON(ctx, g.repoAPI+"/contents/"+dir, &entries); err != nil {
		return nil, err
	}

	m := &domain.Module{Title: titleFromPath(dir), GithubPath: dir}

	readme, hasReadme := lo.Find(entries, func(e repoEntry) bool {
		return lo.Contains(readmeNames, strings.ToLower(e.Name))
	})
	if hasReadme {
		text, err := g.fileContent(ctx, readme.Path)
		if err != nil {
			return nil, err
		}
		lesson := ParseLesson(text)
		if lesson.Title != untitled {
			m.Title = lesson.Title
		}
		m.Description = lesson.Description
		m.Content = append(m.Content, lesson.Content...)
		m.CodeExamples = append(m.CodeExamples, lesson.CodeExamples...)
		m.Exercises = append(m.Exercises, lesson.Exercises...)
	}

	for _, e := range entries {
		lower := strings.ToLower(e.Name)
		switch {
		case hasReadme && e.Path == readme.Path:
			continue
		case strings.HasSuffix(lower, ".md"):
			text, err := g.fileContent(ctx, e.Path)
			if err != nil {
				g.logger.Warn("skipping lesson file", "path", e.Path, "error", err)
				continue
			}
			lesson := ParseLesson(text)
			m.Content = append(m.Content, lesson.Content...)
			m.CodeExamples = append(m.CodeExamples, lesson.CodeExamples...)
			m.Exercises = append(m.Exercises, lesson.Exercises...)
		case strings.HasSuffix(lower, ".py"):
			text, err := g.fileContent(ctx, e.Path)
			if err != nil {
				g.logger.Warn("skipping example file", "path", e.Path, "error", err)
				continue
			}
			m.CodeExamples = append(m.CodeExamples, "# File: "+e.Name+"\n"+text)
		}
	}

	if len(m.Content) == 0 && len(m.CodeExamples) == 0 {
		return nil, nil
	}
	if len(m.Content) == 0 {
		// Code-only lessons still need a line of content to be teachable.
		m.Content = []string{"Explore the code examples for " + m.Title + "."}
	}
	if m.Description == "" {
		m.Description = describe(m.Content)
	}
	return m, nil
}

// fileContent prefers the raw host and falls back to the contents API.
func (g *GitHubSource) fileContent(ctx context.Context, path string) (string, error) {
	text, rawErr := g.getRaw(ctx, path)
	if rawErr == nil {
		return text, nil
	}

	var entry repoEntry
	if err := g.getJSON(ctx, g.repoAPI+"/contents/"+path, &entry); err != nil {
		return "", fmt.Errorf("fetch %s: %w (raw: %v)", path, err, rawErr)
	}
	if entry.Encoding == "base64" {
		return decodeBase64(entry.Content)
	}
	return entry.Content, nil
}

func decodeBase64(content string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decode base64 content: %w", err)
	}
	return string(data), nil
}

func (g *GitHubSource) getJSON(ctx context.Context, url string, v any) error {
	body, err := g.get(ctx, url, "application/vnd.github.v3+json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func (g *GitHubSource) getRaw(ctx context.Context, path string) (string, error) {
	body, err := g.get(ctx, g.rawBase+strings.TrimLeft(path, "/"), "")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (g *GitHubSource) get(ctx context.Context, url, accept string) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			g.logger.Debug("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return body, nil
}

// lessonDirs returns the directories that look like lessons, in lesson order.
func lessonDirs(entries []repoEntry) []string {
	var dirs []string
	for _, e := range entries {
		if e.Type != "dir" {
			continue
		}
		name := strings.ToLower(e.Name)
		matched := lo.SomeBy(lessonPatterns, func(p *regexp.Regexp) bool { return p.MatchString(name) }) ||
			lo.SomeBy(lessonTopics, func(t string) bool { return strings.Contains(name, t) })
		if matched {
			dirs = append(dirs, e.Path)
		}
	}
	dirs = lo.Uniq(dirs)
	sort.SliceStable(dirs, func(i, j int) bool { return pathOrder(dirs[i]) < pathOrder(dirs[j]) })
	return dirs
}

func pathOrder(path string) int {
	if n, err := strconv.Atoi(orderNumber.FindString(path)); err == nil {
		return n
	}
	return 999
}

// titleFromPath turns "03_data-types" into "03 Data Types".
func titleFromPath(path string) string {
	words := strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '_' || r == '-' || unicode.IsSpace(r)
	})
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
