package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aneshas/catalog/aggregate"
	"github.com/aneshas/catalog/ambar"
	"github.com/aneshas/catalog/ambar/echoambar"
	"github.com/aneshas/catalog/catalog"
)

func newServeCmd() *cobra.Command {
	var pull bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog http api, the ambar projection endpoint and metrics",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			return a.serve(cmd.Context(), pull)
		}),
	}

	cmd.Flags().BoolVar(&pull, "pull", true, "run the projector next to the http server (disable when ambar pushes events)")

	return cmd
}

func (a *app) serve(ctx context.Context, pull bool) error {
	e := a.newServer()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", a.cfg.HTTPAddr))

		err := e.Start(a.cfg.HTTPAddr)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return e.Shutdown(sctx)
	})

	if pull {
		g.Go(func() error {
			return a.projector.Run(ctx)
		})
	}

	return g.Wait()
}

func (a *app) newServer() *echo.Echo {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.POST("/categories", a.createCategory)
	e.GET("/categories", a.listCategories)
	e.GET("/categories/:id", a.getCategory)
	e.POST("/books", a.createBook)
	e.PUT("/books/:id", a.changeBook)
	e.PUT("/books/:id/category", a.assignCategory)

	project := echoambar.Wrap(ambar.New(a.enc, ambar.WithLogger(a.logger)))

	e.POST("/projections/categories/v1", project(a.projector.Apply))

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	return e
}

type categoryReq struct {
	Name string `json:"name"`
}

type bookReq struct {
	Name       string `json:"name"`
	Author     string `json:"author"`
	CategoryID string `json:"category_id"`
}

type idResp struct {
	ID string `json:"id"`
}

func (a *app) createCategory(c echo.Context) error {
	var req categoryReq

	if err := c.Bind(&req); err != nil {
		return err
	}

	id, err := a.svc.CreateCategory(c.Request().Context(), req.Name)
	if err != nil {
		return a.httpError(err)
	}

	return c.JSON(http.StatusCreated, idResp{ID: id})
}

func (a *app) createBook(c echo.Context) error {
	var req bookReq

	if err := c.Bind(&req); err != nil {
		return err
	}

	id, err := a.svc.CreateBook(c.Request().Context(), req.Name, req.Author, req.CategoryID)
	if err != nil {
		return a.httpError(err)
	}

	return c.JSON(http.StatusCreated, idResp{ID: id})
}

func (a *app) changeBook(c echo.Context) error {
	var req bookReq

	if err := c.Bind(&req); err != nil {
		return err
	}

	err := a.svc.ChangeBook(c.Request().Context(), c.Param("id"), req.Name, req.Author)
	if err != nil {
		return a.httpError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (a *app) assignCategory(c echo.Context) error {
	var req bookReq

	if err := c.Bind(&req); err != nil {
		return err
	}

	err := a.svc.AssignCategory(c.Request().Context(), c.Param("id"), req.CategoryID)
	if err != nil {
		return a.httpError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (a *app) getCategory(c echo.Context) error {
	snap, err := a.views.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return a.httpError(err)
	}

	if snap.State == nil || !snap.State.Created() {
		return echo.NewHTTPError(http.StatusNotFound, "category not found")
	}

	return c.JSON(http.StatusOK, snap.State)
}

func (a *app) listCategories(c echo.Context) error {
	categories, err := a.views.List(c.Request().Context())
	if err != nil {
		return a.httpError(err)
	}

	return c.JSON(http.StatusOK, categories)
}

func (a *app) httpError(err error) error {
	switch {
	case errors.Is(err, catalog.ErrNameRequired),
		errors.Is(err, catalog.ErrAuthorRequired),
		errors.Is(err, catalog.ErrCategoryRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())

	case errors.Is(err, aggregate.ErrAggregateNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())

	default:
		a.logger.Error("request failed", zap.Error(err))

		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
}
