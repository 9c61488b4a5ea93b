package webserver

import (
	stdJson "encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"runtime/debug"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/streamstore/metrics"
	"github.com/iidesho/streamstore/webserver/health"
	jsoniter "github.com/json-iterator/go"
)

const (
	CONTENT_TYPE      = "Content-Type"
	CONTENT_TYPE_JSON = "application/json"
)

var json = jsoniter.Config{
	EscapeHTML:             true,
	UseNumber:              true,
	DisallowUnknownFields:  true,
	OnlyTaggedField:        true,
	ValidateJsonRawMessage: true,
}.Froze()

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

type Server interface {
	Base() fiber.Router
	API() fiber.Router
	App() *fiber.App
	Health() *health.Health
	Run()
	Shutdown() error
	Port() uint16
	Url() (u *url.URL)
}

type server struct {
	r      *fiber.App
	base   fiber.Router
	api    fiber.Router
	health *health.Health
	port   uint16
}

// StatusError lets domain errors choose their response status.
type StatusError interface {
	error
	StatusCode() int
}

func errorHandler(c *fiber.Ctx, err error) error {
	status := http.StatusInternalServerError
	var fe *fiber.Error
	var se StatusError
	switch {
	case errors.As(err, &fe):
		status = fe.Code
	case errors.As(err, &se):
		status = se.StatusCode()
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("request failed", "path", c.Path(), "method", c.Method())
	}
	msg := map[string]interface{}{
		"status":      status,
		"status_text": http.StatusText(status),
		"error_msg":   err.Error(),
	}
	c.Set(CONTENT_TYPE, CONTENT_TYPE_JSON)
	if err = c.Status(status).JSON(msg); err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("Internal Server Error")
	}
	return nil
}

func Init(port uint16, fromBase bool) (Server, error) {
	s := server{
		r: fiber.New(fiber.Config{
			AppName:               health.Name,
			StreamRequestBody:     true,
			DisableStartupMessage: true,
			JSONDecoder:           json.Unmarshal,
			JSONEncoder:           json.Marshal,
			ErrorHandler:          errorHandler,
		}),
		health: health.Init(),
		port:   port,
	}
	s.r.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))
	s.r.Use(func(c *fiber.Ctx) (err error) {
		defer func() {
			r := recover()
			if r != nil {
				err = errors.Join(
					err,
					fmt.Errorf("recovered: %v, stack: %s", r, string(debug.Stack())),
					c.SendStatus(http.StatusInternalServerError),
				)
			}
		}()
		return c.Next()
	})
	s.r.Use(cors.New())
	s.base = s.r.Group("")
	if health.Name == "" || fromBase {
		s.api = s.base.Group("/")
	} else {
		s.api = s.base.Group("/" + health.Name)
	}
	s.api.Get("/health", func(c *fiber.Ctx) error {
		report := s.health.GetHealthReport(c.UserContext())
		if !report.Up() {
			c.Status(http.StatusServiceUnavailable)
		}
		return c.JSON(report)
	})
	s.api.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	user := os.Getenv("debug.user")
	pass := os.Getenv("debug.pass")
	if user != "" && pass != "" {
		debug := s.api.Group("/debug")
		debug.Use(basicauth.New(basicauth.Config{
			Users: map[string]string{user: pass},
		}))
		debug.Get("/pprof/*", func(c *fiber.Ctx) error {
			switch c.Params("*") {
			case "profile":
				return adaptor.HTTPHandlerFunc(pprof.Profile)(c)
			case "trace":
				return adaptor.HTTPHandlerFunc(pprof.Trace)(c)
			case "symbol":
				return adaptor.HTTPHandlerFunc(pprof.Symbol)(c)
			default:
				return adaptor.HTTPHandlerFunc(pprof.Index)(c)
			}
		})
	}
	return &s, nil
}

func (s *server) Base() fiber.Router {
	return s.base
}

func (s *server) API() fiber.Router {
	return s.api
}

func (s *server) App() *fiber.App {
	return s.r
}

func (s *server) Health() *health.Health {
	return s.health
}

func (s *server) Run() {
	err := s.r.Listen(fmt.Sprintf(":%d", s.Port()))
	if err != nil {
		sbragi.WithError(err).Fatal("while starting or running webserver")
	}
}

func (s *server) Shutdown() error {
	return s.r.Shutdown()
}

func (s *server) Port() uint16 {
	return s.port
}

func (s *server) Url() (u *url.URL) {
	u = &url.URL{}
	u.Scheme = "http"
	u.Host = fmt.Sprintf("%s:%d", health.GetOutboundIP(), s.Port())
	return
}

func UnmarshalBody[bodyT any](c *fiber.Ctx) (v bodyT, err error) {
	err = c.BodyParser(&v)
	var unmarshalErr *stdJson.UnmarshalTypeError
	if errors.As(err, &unmarshalErr) {
		err = fmt.Errorf(
			"wrong type provided for \"%s\" should be of type (%s) but got value {%s} after reading %d",
			unmarshalErr.Field,
			unmarshalErr.Type,
			unmarshalErr.Value,
			unmarshalErr.Offset,
		)
	}
	if err != nil {
		err = fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return
}

func ErrorResponse(c *fiber.Ctx, message string, httpStatusCode int) error {
	return c.Status(httpStatusCode).JSON(map[string]string{"error": message})
}

var ErrIncorrectContentType = fmt.Errorf(
	"http header did not contain key %s with value %s",
	CONTENT_TYPE,
	CONTENT_TYPE_JSON,
)
