// Package scrape defines the article records and collaborator contracts shared
// across the scrape pipeline.
package scrape

import "time"

// Candidate is an article extracted from the listing page during one run.
// Link is the natural key used for deduplication.
type Candidate struct {
	Title  string `json:"title"`
	Link   string `json:"link"`
	Author string `json:"author"`
	Image  string `json:"image"`
}

// Article is a Candidate that has been persisted and assigned an identity.
type Article struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Link       string    `json:"link"`
	Author     string    `json:"author"`
	Image      string    `json:"image"`
	ScrapedAt  time.Time `json:"scraped_at"`
	CommentIDs []string  `json:"comments"`
}

// NewArticle promotes a candidate to a persisted article.
func NewArticle(id string, c Candidate, scrapedAt time.Time) Article {
	return Article{
		ID:         id,
		Title:      c.Title,
		Link:       c.Link,
		Author:     c.Author,
		Image:      c.Image,
		ScrapedAt:  scrapedAt,
		CommentIDs: []string{},
	}
}

// Links returns the links of the given articles in order.
func Links(articles []Article) []string {
	out := make([]string, 0, len(articles))
	for _, a := range articles {
		out = append(out, a.Link)
	}
	return out
}
