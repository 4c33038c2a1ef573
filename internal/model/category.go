package model

// Category describes one kind of test a user can take.
type Category struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
	// Visual categories are sourced from the image-capable generator when one is configured.
	Visual bool `json:"visual"`
}

// Categories is the built-in test catalog.
var Categories = []Category{
	{
		Slug:        "logical-reasoning",
		Name:        "Logical Reasoning",
		Description: "Deductive and inductive puzzles, syllogisms and conditional statements.",
	},
	{
		Slug:        "pattern-recognition",
		Name:        "Pattern Recognition",
		Description: "Find the rule behind a sequence of shapes or symbols.",
		Visual:      true,
	},
	{
		Slug:        "numerical-sequences",
		Name:        "Numerical Sequences",
		Description: "Continue number series and spot arithmetic relationships.",
	},
	{
		Slug:        "spatial-reasoning",
		Name:        "Spatial Reasoning",
		Description: "Mentally rotate, fold and assemble figures.",
	},
	{
		Slug:        "verbal-comprehension",
		Name:        "Verbal Comprehension",
		Description: "Analogies, vocabulary and reading comprehension.",
	},
}

// LookupCategory returns the catalog entry for slug. Unknown slugs yield a
// text-only category named after the slug.
func LookupCategory(slug string) (Category, bool) {
	for _, c := range Categories {
		if c.Slug == slug {
			return c, true
		}
	}
	return Category{Slug: slug, Name: slug}, false
}

// KindFor returns the question kind to generate for a category given whether
// an image-capable generator is available.
func KindFor(slug string, imagesAvailable bool) QuestionKind {
	c, _ := LookupCategory(slug)
	if c.Visual && imagesAvailable {
		return KindVisual
	}
	return KindText
}
