package models

// ElasticsearchConfig holds settings for the visibility index backup.
type ElasticsearchConfig struct {
	URL         string // as reachable from the host
	InternalURL string // as reachable from containers on the compose network
	Index       string
	Repository  string // snapshot repository name
	RepoPath    string // repository location inside the Elasticsearch container
	HostRepoDir string // the same location on the host (bind mount)
	DumpImage   string
}
