package api

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"postbot/internal/engagement"
	"postbot/internal/platform"
	"postbot/internal/post"
	"postbot/internal/publish"
	"postbot/internal/storage"
	"postbot/internal/task/periodic"
	logx "postbot/pkg/logx"
)

type createPostRequest struct {
	Content      string `json:"content" validate:"required"`
	Platform     string `json:"platform" validate:"required,max=64"`
	ScheduleTime string `json:"schedule_time" validate:"required"`
}

type resubmitRequest struct {
	ScheduleTime string `json:"schedule_time"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(msgs, "; ")
}

func postID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid post id")
	}
	return id, nil
}

func (s *Server) listPosts(c *fiber.Ctx) error {
	var want post.Status
	if raw := c.Query("status"); raw != "" {
		st, err := post.ParseStatus(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		want = st
	}
	all, err := s.deps.Store.ListAll(c.UserContext())
	if err != nil {
		return err
	}
	out := make([]post.Post, 0, len(all))
	for _, p := range all {
		if want == "" || p.Status == want {
			out = append(out, p)
		}
	}
	return c.JSON(out)
}

func (s *Server) getPost(c *fiber.Ctx) error {
	id, err := postID(c)
	if err != nil {
		return err
	}
	p, err := s.deps.Store.Get(c.UserContext(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(p)
}

// canonicalPlatform maps name onto the configured display name.
func (s *Server) canonicalPlatform(name string) (string, bool) {
	for _, n := range s.deps.Platforms.ListAvailable() {
		if strings.EqualFold(n, name) {
			return n, true
		}
	}
	return name, false
}

func (s *Server) createPost(c *fiber.Ctx) error {
	var req createPostRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	req.Platform = strings.TrimSpace(req.Platform)
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, validationMessage(err))
	}

	name, known := s.canonicalPlatform(req.Platform)
	if !known && !s.cfg.AllowUnknownPlatform {
		return fiber.NewError(fiber.StatusUnprocessableEntity,
			fmt.Sprintf("platform %q is not configured (available: %s)", req.Platform, strings.Join(s.deps.Platforms.ListAvailable(), ", ")))
	}
	at, err := post.ParseScheduleTime(req.ScheduleTime, s.cfg.Location)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "schedule_time: "+err.Error())
	}

	p, err := s.deps.Store.Append(c.UserContext(), post.Draft{Content: req.Content, Platform: name, ScheduleTime: at})
	if err != nil {
		return err
	}
	s.log.Info("post created", logx.Int64("post_id", p.ID), logx.String("platform", p.Platform), logx.Time("schedule_time", p.ScheduleTime))
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (s *Server) resubmitPost(c *fiber.Ctx) error {
	id, err := postID(c)
	if err != nil {
		return err
	}
	var req resubmitRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
		}
	}

	orig, err := s.deps.Store.Get(c.UserContext(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	if orig.Status != post.StatusFailed {
		return fiber.NewError(fiber.StatusConflict, fmt.Sprintf("post %d is %s; only failed posts can be resubmitted", id, orig.Status))
	}

	at := s.cfg.Now()
	if req.ScheduleTime != "" {
		if at, err = post.ParseScheduleTime(req.ScheduleTime, s.cfg.Location); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "schedule_time: "+err.Error())
		}
	}
	p, err := s.deps.Store.Append(c.UserContext(), post.Draft{
		Content:         orig.Content,
		Platform:        orig.Platform,
		ScheduleTime:    at,
		ResubmittedFrom: &orig.ID,
	})
	if err != nil {
		return err
	}
	s.log.Info("post resubmitted", logx.Int64("post_id", p.ID), logx.Int64("from", orig.ID))
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (s *Server) listPlatforms(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"available": s.deps.Platforms.ListAvailable(),
		"platforms": s.deps.Platforms.Snapshot(),
	})
}

func (s *Server) testPlatforms(c *fiber.Ctx) error {
	return c.JSON(s.deps.Platforms.TestConnection(c.UserContext()))
}

func (s *Server) trigger(c *fiber.Ctx, task string) error {
	if s.deps.Tasks == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "task runner not available")
	}
	err := s.deps.Tasks.Trigger(c.UserContext(), task)
	switch {
	case errors.Is(err, periodic.ErrBusy):
		return fiber.NewError(fiber.StatusConflict, task+" is already running")
	case errors.Is(err, periodic.ErrUnknownTask), errors.Is(err, periodic.ErrStopped):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case err != nil:
		return err
	}
	return nil
}

func (s *Server) refreshMetrics(c *fiber.Ctx) error {
	if err := s.trigger(c, engagement.TaskName); err != nil {
		return err
	}
	if s.deps.Refresher == nil {
		return c.JSON(fiber.Map{"ok": true})
	}
	return c.JSON(s.deps.Refresher.Last())
}

func (s *Server) runScheduler(c *fiber.Ctx) error {
	if err := s.trigger(c, publish.TaskName); err != nil {
		return err
	}
	if s.deps.Scheduler == nil {
		return c.JSON(fiber.Map{"ok": true})
	}
	return c.JSON(s.deps.Scheduler.Snapshot().Last)
}

type statusResponse struct {
	Time       time.Time                 `json:"time"`
	Scheduler  *publish.Snapshot         `json:"scheduler,omitempty"`
	Refresh    *engagement.RefreshReport `json:"refresh,omitempty"`
	Tasks      []periodic.TaskInfo       `json:"tasks"`
	Platforms  []platform.PlatformInfo   `json:"platforms"`
	Supervisor any                       `json:"supervisor,omitempty"`
}

func (s *Server) status(c *fiber.Ctx) error {
	resp := statusResponse{
		Time:      s.cfg.Now(),
		Tasks:     []periodic.TaskInfo{},
		Platforms: s.deps.Platforms.Snapshot(),
	}
	if s.deps.Scheduler != nil {
		snap := s.deps.Scheduler.Snapshot()
		resp.Scheduler = &snap
	}
	if s.deps.Refresher != nil {
		last := s.deps.Refresher.Last()
		resp.Refresh = &last
	}
	if s.deps.Tasks != nil {
		resp.Tasks = s.deps.Tasks.Snapshot()
	}
	if s.deps.Supervisor != nil {
		resp.Supervisor = s.deps.Supervisor.Counters()
	}
	return c.JSON(resp)
}
