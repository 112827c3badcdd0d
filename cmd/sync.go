package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/lehigh-university-libraries/ephemera/internal/app"
	"github.com/lehigh-university-libraries/ephemera/internal/cloudsync"
)

type syncFlags struct {
	user  string
	token string
}

// openSync opens the application and signs in. The first sign-in pulls.
func (f *syncFlags) openSync(cmd *cobra.Command, e *env) (*app.App, *cloudsync.PullResult, error) {
	if !e.settings.CloudEnabled() {
		return nil, nil, fmt.Errorf("no cloud backend configured (set cloud.backend to firestore or memory)")
	}
	user := f.user
	if user == "" {
		user = e.settings.Cloud.UserID
	}
	if user == "" {
		return nil, nil, fmt.Errorf("--user is required")
	}

	var opts []app.Option
	if f.token != "" {
		opts = append(opts, app.WithFirestoreOptions(
			option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: f.token}))))
	}
	// sign in below, not on start
	e.settings.Cloud.UserID = ""

	a, err := e.open(cmd.Context(), opts...)
	if err != nil {
		return nil, nil, err
	}
	res, err := a.Sync.SignIn(cmd.Context(), cloudsync.Identity{UserID: user})
	if err != nil {
		_ = a.Close()
		return nil, nil, err
	}
	return a, res, nil
}

func printPull(cmd *cobra.Command, res *cloudsync.PullResult) {
	if res == nil {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pulled %d batches and %d inventory entries\n", res.Batches, res.Inventory)
	if res.Bootstrapped {
		fmt.Fprintln(cmd.OutOrStdout(), "Cloud account was empty; local history uploaded")
	}
}

func newSyncCmd(e *env) *cobra.Command {
	f := &syncFlags{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronise the local catalog with the cloud",
		Long: `Manual cloud synchronisation. The server does this on its own when a
user signs in or the client reports focus.`,
	}
	cmd.PersistentFlags().StringVar(&f.user, "user", "", "Account id (default from cloud.user_id)")
	cmd.PersistentFlags().StringVar(&f.token, "token", "", "OAuth2 access token for Firestore")

	cmd.AddCommand(&cobra.Command{
		Use:   "pull",
		Short: "Merge the cloud account into the local catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, res, err := f.openSync(cmd, e)
			if err != nil {
				return err
			}
			defer a.Close()
			printPull(cmd, res)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "push",
		Short: "Upload every local batch, item and inventory entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, res, err := f.openSync(cmd, e)
			if err != nil {
				return err
			}
			defer a.Close()
			printPull(cmd, res)

			pushed, err := a.Sync.Push(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pushed %d batches, %d items and %d inventory entries\n",
				pushed.Batches, pushed.Items, pushed.Inventory)
			if pushed.Skipped > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Kept %d newer cloud records\n", pushed.Skipped)
			}
			return nil
		},
	})

	return cmd
}
