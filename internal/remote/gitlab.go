package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// DTOs for the host's REST API. Only the fields the integration reads are
// mapped; payloads remain opaque elsewhere.

type RemoteUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

type RemoteProject struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
	DefaultBranch     string `json:"default_branch"`
}

type RemoteMember struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	AccessLevel int    `json:"access_level"`
}

type RemoteBranch struct {
	Name      string `json:"name"`
	Protected bool   `json:"protected"`
	Default   bool   `json:"default"`
	Commit    struct {
		ID string `json:"id"`
	} `json:"commit"`
}

type MergeRequest struct {
	IID          int64    `json:"iid"`
	Title        string   `json:"title"`
	State        string   `json:"state"`
	SourceBranch string   `json:"source_branch"`
	TargetBranch string   `json:"target_branch"`
	SHA          string   `json:"sha"`
	WebURL       string   `json:"web_url"`
	Labels       []string `json:"labels"`
	ChangesCount string   `json:"changes_count"`
	Author       struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"author"`
}

type MergeRequestChange struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
	Diff    string `json:"diff"`
}

type MergeRequestChanges struct {
	MergeRequest
	Changes []MergeRequestChange `json:"changes"`
}

type MergeRequestNote struct {
	ID     int64  `json:"id"`
	Body   string `json:"body"`
	System bool   `json:"system"`
	Author struct {
		Username string `json:"username"`
	} `json:"author"`
}

type RemoteHook struct {
	ID                  int64  `json:"id"`
	URL                 string `json:"url"`
	PushEvents          bool   `json:"push_events"`
	MergeRequestsEvents bool   `json:"merge_requests_events"`
	NoteEvents          bool   `json:"note_events"`
	EnableSSLVerify     bool   `json:"enable_ssl_verification"`
}

type TreeEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
}

const listPageSize = 100

// CurrentUser returns the user the credential authenticates as. Used for
// connection tests and compliance checks.
func (c *Client) CurrentUser(ctx context.Context) (*RemoteUser, error) {
	var user RemoteUser
	if err := c.Do(ctx, http.MethodGet, "/user", nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListProjects pages through every project visible to the credential.
func (c *Client) ListProjects(ctx context.Context) ([]RemoteProject, error) {
	all := make([]RemoteProject, 0)
	for page := 1; ; page++ {
		var batch []RemoteProject
		query := pageQuery(page)
		query.Set("membership", "true")
		if err := c.Do(ctx, http.MethodGet, "/projects", query, nil, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < listPageSize {
			return all, nil
		}
	}
}

func (c *Client) GetProject(ctx context.Context, projectID string) (*RemoteProject, error) {
	var project RemoteProject
	if err := c.Do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, nil, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// ListProjectMembers pages the full membership, including inherited
// members, to exhaustion.
func (c *Client) ListProjectMembers(ctx context.Context, projectID string) ([]RemoteMember, error) {
	all := make([]RemoteMember, 0)
	for page := 1; ; page++ {
		var batch []RemoteMember
		if err := c.Do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/members/all", pageQuery(page), nil, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < listPageSize {
			return all, nil
		}
	}
}

func (c *Client) ListBranches(ctx context.Context, projectID string) ([]RemoteBranch, error) {
	all := make([]RemoteBranch, 0)
	for page := 1; ; page++ {
		var batch []RemoteBranch
		if err := c.Do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/repository/branches", pageQuery(page), nil, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < listPageSize {
			return all, nil
		}
	}
}

func (c *Client) CreateBranch(ctx context.Context, projectID, branch, ref string) (*RemoteBranch, error) {
	body := map[string]string{"branch": branch, "ref": ref}
	var created RemoteBranch
	if err := c.Do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/repository/branches", nil, body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) ListMergeRequests(ctx context.Context, projectID, state string) ([]MergeRequest, error) {
	all := make([]MergeRequest, 0)
	for page := 1; ; page++ {
		query := pageQuery(page)
		if state != "" {
			query.Set("state", state)
		}
		var batch []MergeRequest
		if err := c.Do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/merge_requests", query, nil, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < listPageSize {
			return all, nil
		}
	}
}

func (c *Client) GetMergeRequest(ctx context.Context, projectID string, iid int64) (*MergeRequest, error) {
	var mr MergeRequest
	if err := c.Do(ctx, http.MethodGet, mrPath(projectID, iid), nil, nil, &mr); err != nil {
		return nil, err
	}
	return &mr, nil
}

// GetMergeRequestChanges returns the merge request with its file-level
// diff list, used for changed-line enrichment.
func (c *Client) GetMergeRequestChanges(ctx context.Context, projectID string, iid int64) (*MergeRequestChanges, error) {
	var changes MergeRequestChanges
	if err := c.Do(ctx, http.MethodGet, mrPath(projectID, iid)+"/changes", nil, nil, &changes); err != nil {
		return nil, err
	}
	return &changes, nil
}

func (c *Client) ListMergeRequestNotes(ctx context.Context, projectID string, iid int64) ([]MergeRequestNote, error) {
	all := make([]MergeRequestNote, 0)
	for page := 1; ; page++ {
		var batch []MergeRequestNote
		if err := c.Do(ctx, http.MethodGet, mrPath(projectID, iid)+"/notes", pageQuery(page), nil, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < listPageSize {
			return all, nil
		}
	}
}

func (c *Client) CreateMergeRequestNote(ctx context.Context, projectID string, iid int64, body string) (*MergeRequestNote, error) {
	var note MergeRequestNote
	if err := c.Do(ctx, http.MethodPost, mrPath(projectID, iid)+"/notes", nil, map[string]string{"body": body}, &note); err != nil {
		return nil, err
	}
	return &note, nil
}

func (c *Client) ListWebhooks(ctx context.Context, projectID string) ([]RemoteHook, error) {
	var hooks []RemoteHook
	if err := c.Do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/hooks", nil, nil, &hooks); err != nil {
		return nil, err
	}
	return hooks, nil
}

type HookSettings struct {
	URL                 string `json:"url"`
	Token               string `json:"token,omitempty"`
	PushEvents          bool   `json:"push_events"`
	MergeRequestsEvents bool   `json:"merge_requests_events"`
	NoteEvents          bool   `json:"note_events"`
	EnableSSLVerify     bool   `json:"enable_ssl_verification"`
}

func (c *Client) CreateWebhook(ctx context.Context, projectID string, settings HookSettings) (*RemoteHook, error) {
	var hook RemoteHook
	if err := c.Do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/hooks", nil, settings, &hook); err != nil {
		return nil, err
	}
	return &hook, nil
}

func (c *Client) UpdateWebhook(ctx context.Context, projectID string, hookID int64, settings HookSettings) (*RemoteHook, error) {
	var hook RemoteHook
	path := "/projects/" + url.PathEscape(projectID) + "/hooks/" + strconv.FormatInt(hookID, 10)
	if err := c.Do(ctx, http.MethodPut, path, nil, settings, &hook); err != nil {
		return nil, err
	}
	return &hook, nil
}

func (c *Client) DeleteWebhook(ctx context.Context, projectID string, hookID int64) error {
	path := "/projects/" + url.PathEscape(projectID) + "/hooks/" + strconv.FormatInt(hookID, 10)
	return c.Do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// GetRawFile fetches raw file content at a ref. The response is not JSON;
// Do hands raw bytes through untouched for a *[]byte target.
func (c *Client) GetRawFile(ctx context.Context, projectID, filePath, ref string) ([]byte, error) {
	query := url.Values{}
	if ref != "" {
		query.Set("ref", ref)
	}
	var raw []byte
	path := "/projects/" + url.PathEscape(projectID) + "/repository/files/" + url.PathEscape(filePath) + "/raw"
	if err := c.Do(ctx, http.MethodGet, path, query, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) ListTree(ctx context.Context, projectID, treePath, ref string) ([]TreeEntry, error) {
	all := make([]TreeEntry, 0)
	for page := 1; ; page++ {
		query := pageQuery(page)
		if treePath != "" {
			query.Set("path", treePath)
		}
		if ref != "" {
			query.Set("ref", ref)
		}
		var batch []TreeEntry
		if err := c.Do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/repository/tree", query, nil, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < listPageSize {
			return all, nil
		}
	}
}

func mrPath(projectID string, iid int64) string {
	return fmt.Sprintf("/projects/%s/merge_requests/%d", url.PathEscape(projectID), iid)
}

func pageQuery(page int) url.Values {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(listPageSize))
	return query
}
