package docload

import (
	"strings"
)

// PostContent is the structured payload of a CMS post or page.
type PostContent struct {
	Title      string              `json:"title"`
	Excerpt    string              `json:"excerpt"`
	Body       string              `json:"body"`
	Taxonomies map[string][]string `json:"taxonomies"` // e.g. "category" -> ["news"]
}

// ProductVariation is one purchasable variant of a product.
type ProductVariation struct {
	Name       string            `json:"name"`
	Price      string            `json:"price"`
	Attributes map[string]string `json:"attributes"`
}

// ProductContent is the structured payload of a store product.
type ProductContent struct {
	Title            string             `json:"title"`
	Description      string             `json:"description"`
	ShortDescription string             `json:"short_description"`
	Price            string             `json:"price"`
	Categories       []string           `json:"categories"`
	Tags             []string           `json:"tags"`
	Variations       []ProductVariation `json:"variations"`
}

// Lesson is one unit of a course.
type Lesson struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Quiz is a course assessment with its question prompts.
type Quiz struct {
	Title     string   `json:"title"`
	Questions []string `json:"questions"`
}

// CourseContent is the structured payload of an e-learning course.
type CourseContent struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Lessons     []Lesson `json:"lessons"`
	Quizzes     []Quiz   `json:"quizzes"`
}

// RenderPost concatenates the post fields into a normalized text block.
func RenderPost(p *PostContent) string {
	var b sectionBuilder
	b.add(p.Title)
	b.add(p.Excerpt)
	b.add(p.Body)
	for taxonomy, terms := range p.Taxonomies {
		if len(terms) > 0 {
			b.add(taxonomy + ": " + strings.Join(terms, ", "))
		}
	}
	return b.String()
}

// RenderProduct concatenates product fields, including variations, into a
// normalized text block.
func RenderProduct(p *ProductContent) string {
	var b sectionBuilder
	b.add(p.Title)
	b.add(p.ShortDescription)
	b.add(p.Description)
	if p.Price != "" {
		b.add("Price: " + p.Price)
	}
	if len(p.Categories) > 0 {
		b.add("Categories: " + strings.Join(p.Categories, ", "))
	}
	if len(p.Tags) > 0 {
		b.add("Tags: " + strings.Join(p.Tags, ", "))
	}
	for _, v := range p.Variations {
		line := v.Name
		if v.Price != "" {
			line += " - " + v.Price
		}
		for attr, val := range v.Attributes {
			line += " (" + attr + ": " + val + ")"
		}
		b.add(line)
	}
	return b.String()
}

// RenderCourse concatenates course metadata, lessons and quizzes into a
// normalized text block.
func RenderCourse(c *CourseContent) string {
	var b sectionBuilder
	b.add(c.Title)
	b.add(c.Description)
	for _, lesson := range c.Lessons {
		b.add("Lesson: " + lesson.Title)
		b.add(lesson.Content)
	}
	for _, quiz := range c.Quizzes {
		b.add("Quiz: " + quiz.Title)
		for _, q := range quiz.Questions {
			b.add(q)
		}
	}
	return b.String()
}

// sectionBuilder joins non-empty sections with blank lines.
type sectionBuilder struct {
	sections []string
}

func (b *sectionBuilder) add(s string) {
	s = strings.TrimSpace(s)
	if s != "" {
		b.sections = append(b.sections, s)
	}
}

func (b *sectionBuilder) String() string {
	return strings.Join(b.sections, "\n\n")
}
