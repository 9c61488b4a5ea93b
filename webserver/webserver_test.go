package webserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestPanicRecover(t *testing.T) {
	serv, err := Init(9299, true)
	if err != nil {
		t.Fatal(err)
	}
	serv.API().Get("panic", func(c *fiber.Ctx) error {
		panic("TEST")
	})
	resp, err := serv.App().Test(httptest.NewRequest(http.MethodGet, "/panic", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatal("panic did not result in 500, got", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	serv, err := Init(9299, true)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := serv.App().Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatal("health was not ok, got", resp.StatusCode)
	}

	serv.Health().Register("backend", func(context.Context) error {
		return errors.New("unreachable")
	})
	resp, err = serv.App().Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatal("failing check did not result in 503, got", resp.StatusCode)
	}
}

type teapot struct{}

func (teapot) Error() string   { return "short and stout" }
func (teapot) StatusCode() int { return http.StatusTeapot }

func TestStatusErrors(t *testing.T) {
	serv, err := Init(9299, true)
	if err != nil {
		t.Fatal(err)
	}
	serv.API().Get("teapot", func(c *fiber.Ctx) error {
		return teapot{}
	})
	resp, err := serv.App().Test(httptest.NewRequest(http.MethodGet, "/teapot", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Fatal("status error was not used, got", resp.StatusCode)
	}
}
