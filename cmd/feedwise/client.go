package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"feedwise/ipc"
	"feedwise/storage"
)

const callTimeout = 5 * time.Minute

// withClient dials the daemon named by the config and runs fn with it.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *ipc.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(runContext(cmd), callTimeout)
	defer cancel()

	c, err := ipc.Dial(ctx, cfg.IPC.SocketPath)
	if err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			return fmt.Errorf("%w: start it with 'feedwise daemon'", err)
		}
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				start := time.Now()
				var res ipc.OKResult
				if err := c.Call(ctx, ipc.MethodPing, nil, &res); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pong (%s)\n", time.Since(start).Round(time.Microsecond))
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and task status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				var st ipc.StatusResult
				if err := c.Call(ctx, ipc.MethodStatus, nil, &st); err != nil {
					return err
				}
				renderStatus(cmd.OutOrStdout(), &st)
				return nil
			})
		},
	}
}

func renderStatus(w io.Writer, st *ipc.StatusResult) {
	fmt.Fprintf(w, "uptime:   %s\n", (time.Duration(st.UptimeSecs) * time.Second).String())
	fmt.Fprintf(w, "articles: %d (%d unread)\n", st.Articles, st.Unread)
	if secs, ok := st.Intervals[ipc.FeedRefreshIntervalKey]; ok {
		fmt.Fprintf(w, "per feed: %s\n", (time.Duration(secs) * time.Second).String())
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Task", "Every", "Running", "Runs", "Failures", "Skips", "Last Run", "Last Error"})
	for _, task := range st.Tasks {
		every := "disabled"
		if task.Enabled {
			every = task.Interval.String()
		}
		last := "-"
		if task.LastRunAt != nil {
			last = task.LastRunAt.Local().Format(time.DateTime)
		}
		t.AppendRow(table.Row{task.Name, every, task.Running, task.Runs, task.Failures, task.Skips, last, task.LastError})
	}
	t.Render()
}

func newFeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Manage subscriptions",
	}

	var interval string
	add := &cobra.Command{
		Use:   "add <url> <name>",
		Short: "Subscribe to a feed (http(s) or rsshub:// URL)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				var res ipc.FeedResult
				params := ipc.FeedAddParams{URL: args[0], Name: args[1], RefreshInterval: interval}
				if err := c.Call(ctx, ipc.MethodFeedAdd, params, &res); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s), %d articles\n", res.Feed.Name, res.Feed.ID, res.NewArticles)
				if res.Feed.LastError != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "first fetch failed: %s\n", res.Feed.LastError)
				}
				return nil
			})
		},
	}
	add.Flags().StringVar(&interval, "every", "", "per-feed refresh interval, e.g. 30m")

	list := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				var res ipc.FeedListResult
				if err := c.Call(ctx, ipc.MethodFeedList, nil, &res); err != nil {
					return err
				}
				renderFeeds(cmd.OutOrStdout(), res.Feeds)
				return nil
			})
		},
	}

	rm := &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Unsubscribe and delete a feed's articles",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				var res ipc.DeletedResult
				if err := c.Call(ctx, ipc.MethodFeedDelete, ipc.IDParams{ID: args[0]}, &res); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, rm)
	return cmd
}

func renderFeeds(w io.Writer, feeds []*storage.Feed) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Name", "Unread", "Last Fetched", "URL", "Error"})
	for _, f := range feeds {
		fetched := "never"
		if f.LastFetchedAt != nil {
			fetched = f.LastFetchedAt.Local().Format(time.DateTime)
		}
		t.AppendRow(table.Row{f.ID, f.Name, f.UnreadCount, fetched, f.URL, f.LastError})
	}
	t.Render()
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [feed-id]",
		Short: "Fetch one feed, or every feed when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				var params ipc.OptionalIDParams
				if len(args) == 1 {
					params.ID = args[0]
				}
				var res ipc.RefreshResult
				if err := c.Call(ctx, ipc.MethodFeedRefresh, params, &res); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d new articles\n", res.NewArticles)
				return nil
			})
		},
	}
}

func newArticlesCmd() *cobra.Command {
	var (
		params ipc.ArticleListParams
		query  string
	)
	cmd := &cobra.Command{
		Use:   "articles",
		Short: "List or search articles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				var res ipc.ArticlesResult
				var err error
				if query != "" {
					err = c.Call(ctx, ipc.MethodArticleSearch, ipc.ArticleSearchParams{Query: query, FeedID: params.FeedID}, &res)
				} else {
					err = c.Call(ctx, ipc.MethodArticleList, params, &res)
				}
				if err != nil {
					return err
				}
				renderArticles(cmd.OutOrStdout(), res.Articles)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&params.FeedID, "feed", "", "only articles of this feed")
	cmd.Flags().BoolVar(&params.UnreadOnly, "unread", false, "only unread articles")
	cmd.Flags().BoolVar(&params.SavedOnly, "saved", false, "only saved articles")
	cmd.Flags().IntVar(&params.Limit, "limit", 50, "maximum number of articles")
	cmd.Flags().StringVarP(&query, "search", "s", "", "full-text search instead of listing")

	cmd.AddCommand(
		articleActionCmd("read", "Mark an article read", ipc.MethodArticleMarkRead),
		articleActionCmd("unread", "Mark an article unread", ipc.MethodArticleMarkUnread),
		articleActionCmd("save", "Toggle an article's saved flag", ipc.MethodArticleToggleSaved),
	)
	return cmd
}

func articleActionCmd(use, short, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				var res ipc.SavedResult
				if err := c.Call(ctx, method, ipc.IDParams{ID: args[0]}, &res); err != nil {
					return err
				}
				if method == ipc.MethodArticleToggleSaved {
					fmt.Fprintln(cmd.OutOrStdout(), "saved:", res.IsSaved)
				}
				return nil
			})
		},
	}
}

func renderArticles(w io.Writer, articles []*storage.Article) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "", "Score", "Title"})
	for _, a := range articles {
		flags := ""
		if !a.IsRead {
			flags += "*"
		}
		if a.IsSaved {
			flags += "S"
		}
		score := "-"
		if a.RelevanceScore != nil {
			score = fmt.Sprintf("%.2f", *a.RelevanceScore)
		}
		t.AppendRow(table.Row{a.ID, flags, score, a.Title})
	}
	t.Render()
}
