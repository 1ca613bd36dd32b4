package transfer

// Registry holds registered sources.
type Registry struct {
	sources []Source
}

func NewRegistry(sources ...Source) *Registry {
	return &Registry{sources: sources}
}

func (r *Registry) Register(s Source) {
	r.sources = append(r.sources, s)
}

// Match returns the first source that matches the URL, or nil.
func (r *Registry) Match(url string) Source {
	for _, s := range r.sources {
		if s.Match(url) {
			return s
		}
	}
	return nil
}

func (r *Registry) Sources() []Source {
	return r.sources
}
