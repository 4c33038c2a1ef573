package session

import "github.com/pavelanni/iqtester/internal/model"

// QuestionView is a question as shown to the test taker, without the answer key.
type QuestionView struct {
	Kind       model.QuestionKind `json:"kind"`
	Text       string             `json:"question_text"`
	Options    []string           `json:"options"`
	ImageURL   string             `json:"image_url,omitempty"`
	Difficulty model.Difficulty   `json:"difficulty"`
}

// State is a point-in-time snapshot of a session.
type State struct {
	TestID           string           `json:"test_id"`
	Category         string           `json:"category"`
	Phase            Phase            `json:"phase"`
	Index            int              `json:"index"`
	Total            int              `json:"total"`
	Fetched          int              `json:"fetched"`
	Answered         int              `json:"answered"`
	Difficulty       model.Difficulty `json:"difficulty"`
	Loading          bool             `json:"loading"`
	Expired          bool             `json:"expired"`
	RemainingSeconds int              `json:"remaining_seconds"`
	Question         *QuestionView    `json:"question,omitempty"`
	Answer           *string          `json:"answer"`
	Error            string           `json:"error,omitempty"`
	Result           *Result          `json:"result,omitempty"`
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	st := State{
		TestID:           s.testID,
		Category:         s.category,
		Phase:            s.phase,
		Index:            s.index,
		Total:            s.cfg.Questions,
		Fetched:          len(s.questions),
		Difficulty:       s.difficulty,
		Loading:          s.loading,
		Expired:          s.expired,
		RemainingSeconds: s.remaining,
	}
	for _, a := range s.answers {
		if a != nil {
			st.Answered++
		}
	}
	if s.index < len(s.questions) {
		q := s.questions[s.index]
		st.Question = &QuestionView{
			Kind:       q.Kind,
			Text:       q.Text,
			Options:    append([]string(nil), q.Options...),
			ImageURL:   q.ImageURL,
			Difficulty: q.Difficulty,
		}
		if a := s.answers[s.index]; a != nil {
			v := *a
			st.Answer = &v
		}
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	if s.result != nil {
		r := *s.result
		st.Result = &r
	}
	return st
}
