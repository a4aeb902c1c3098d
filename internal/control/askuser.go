package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeebsjenkins/openclaw/internal/schema"
)

const (
	questionsFile   = ".questions.json"
	lateAnswersFile = "late-answers.json"
)

// LateAnswer is an answer that arrived after its question timed out. It is
// recorded in the owning session's directory and injected into that
// session's next turn.
type LateAnswer struct {
	QuestionID string `json:"questionId"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
}

type questionIndexState struct {
	Questions []schema.PendingQuestion `json:"questions"`
}

// questionIndex persists ask-user question lifecycle state as one JSON
// file at the project root. Every mutation rewrites the whole file.
// Answers themselves never live here; late ones go to the session's
// late-answers file.
type questionIndex struct {
	path string

	mu    sync.Mutex
	state questionIndexState
}

func newQuestionIndex(root string) *questionIndex {
	idx := &questionIndex{path: filepath.Join(root, questionsFile)}
	data, err := os.ReadFile(idx.path)
	if err == nil {
		if err := json.Unmarshal(data, &idx.state); err != nil {
			slog.Warn("control: corrupt questions index, starting fresh", "path", idx.path, "err", err)
			idx.state = questionIndexState{}
		}
	}
	return idx
}

func (idx *questionIndex) persistLocked() {
	data, err := json.MarshalIndent(idx.state, "", "  ")
	if err != nil {
		return
	}
	data = append(data, '\n')
	if err := os.WriteFile(idx.path, data, 0o644); err != nil {
		slog.Warn("control: persist questions index failed", "err", err)
	}
}

func (idx *questionIndex) add(q schema.PendingQuestion) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.state.Questions = append(idx.state.Questions, q)
	idx.persistLocked()
}

func (idx *questionIndex) get(questionID string) (schema.PendingQuestion, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, q := range idx.state.Questions {
		if q.QuestionID == questionID {
			return q, true
		}
	}
	return schema.PendingQuestion{}, false
}

// transition advances a question's lifecycle only when it is still in the
// expected state. The asker's timeout and an arriving answer race for the
// pending state; whoever wins this compare-and-set owns the outcome.
func (idx *questionIndex) transition(questionID string, from, to schema.QuestionStatus) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i := range idx.state.Questions {
		if idx.state.Questions[i].QuestionID != questionID {
			continue
		}
		if idx.state.Questions[i].Status != from {
			return false
		}
		idx.state.Questions[i].Status = to
		if to == schema.QuestionAnswered || to == schema.QuestionAnsweredLate {
			now := time.Now()
			idx.state.Questions[i].AnsweredAt = &now
		}
		idx.persistLocked()
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Per-session late-answers file

func (s *Server) lateAnswersPath(agentID, sessionID string) (string, error) {
	dir, err := s.store.GetSessionDir(agentID, sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, lateAnswersFile), nil
}

// appendLateAnswer records one salvaged answer in the question's session
// directory.
func (s *Server) appendLateAnswer(q schema.PendingQuestion, answer string) error {
	path, err := s.lateAnswersPath(q.AgentID, q.SessionID)
	if err != nil {
		return err
	}

	s.lateMu.Lock()
	defer s.lateMu.Unlock()

	var answers []LateAnswer
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &answers) // corrupt file starts fresh
	}
	answers = append(answers, LateAnswer{
		QuestionID: q.QuestionID,
		Question:   q.Question,
		Answer:     answer,
	})

	data, err := json.MarshalIndent(answers, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

// takeLateAnswers consumes the session's late-answers file: its contents
// are returned and the file is removed.
func (s *Server) takeLateAnswers(agentID, sessionID string) []LateAnswer {
	path, err := s.lateAnswersPath(agentID, sessionID)
	if err != nil {
		return nil
	}

	s.lateMu.Lock()
	defer s.lateMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var answers []LateAnswer
	if err := json.Unmarshal(data, &answers); err != nil {
		slog.Warn("control: corrupt late-answers file dropped", "path", path, "err", err)
	}
	_ = os.Remove(path)
	return answers
}

// ---------------------------------------------------------------------------

// askUserFor returns the callback handed to tool executions: it fans the
// question out to every connected client and blocks for the first answer.
func (s *Server) askUserFor(agentID, sessionID string) schema.AskUserFunc {
	return func(ctx context.Context, question string, options []string, extra string) (string, error) {
		qid := uuid.NewString()
		s.questions.add(schema.PendingQuestion{
			QuestionID: qid,
			AgentID:    agentID,
			SessionID:  sessionID,
			Question:   question,
			Options:    options,
			Context:    extra,
			Status:     schema.QuestionPending,
			CreatedAt:  time.Now(),
		})

		ch := make(chan string, 1)
		s.mu.Lock()
		s.waiters[qid] = ch
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.waiters, qid)
			s.mu.Unlock()
		}()

		frame := map[string]any{
			"type":       "ask-user",
			"questionId": qid,
			"agentId":    agentID,
			"sessionId":  sessionID,
			"question":   question,
		}
		if len(options) > 0 {
			frame["options"] = options
		}
		if extra != "" {
			frame["context"] = extra
		}
		s.broadcast(frame)

		timer := time.NewTimer(s.askTimeout)
		defer timer.Stop()
		select {
		case answer := <-ch:
			return answer, nil
		case <-ctx.Done():
			if s.questions.transition(qid, schema.QuestionPending, schema.QuestionTimedOut) {
				return "", ctx.Err()
			}
			// An answer committed first; its send is imminent.
			return <-ch, nil
		case <-timer.C:
			if s.questions.transition(qid, schema.QuestionPending, schema.QuestionTimedOut) {
				return "", fmt.Errorf("question %s timed out after %s", qid, s.askTimeout)
			}
			return <-ch, nil
		}
	}
}

// handleAskUserResponse resolves a pending question, or salvages the answer
// into the session's late-answers file when the asking tool has already
// given up.
func (s *Server) handleAskUserResponse(c *client, reqID string, raw json.RawMessage) {
	var req struct {
		QuestionID string `json:"questionId"`
		Answer     string `json:"answer"`
	}
	json.Unmarshal(raw, &req)

	s.mu.Lock()
	ch, waiting := s.waiters[req.QuestionID]
	s.mu.Unlock()

	// The waiter is only live while the index entry is still pending; a
	// fired timeout whose waiter has not been unregistered yet must not
	// swallow the answer.
	if waiting && s.questions.transition(req.QuestionID, schema.QuestionPending, schema.QuestionAnswered) {
		ch <- req.Answer
		c.reply(reqID, map[string]any{"type": "ask-user.response.ok", "questionId": req.QuestionID, "late": false})
		return
	}

	q, ok := s.questions.get(req.QuestionID)
	if !ok {
		c.replyErr(reqID, "ask-user.response", fmt.Errorf("unknown question %q", req.QuestionID))
		return
	}
	if q.Status == schema.QuestionAnswered || q.Status == schema.QuestionAnsweredLate {
		c.replyErr(reqID, "ask-user.response", fmt.Errorf("question %q already answered", req.QuestionID))
		return
	}

	if err := s.appendLateAnswer(q, req.Answer); err != nil {
		c.replyErr(reqID, "ask-user.response", err)
		return
	}
	s.questions.transition(req.QuestionID, q.Status, schema.QuestionAnsweredLate)
	c.reply(reqID, map[string]any{"type": "ask-user.response.ok", "questionId": req.QuestionID, "late": true})
}
