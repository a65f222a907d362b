package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/nimbusworks/chatsync/internal/daemon"
	"github.com/nimbusworks/chatsync/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.String("user", "", "gateway user id (overrides CHATSYNC_USER_ID)")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	userID := *userFlag
	if userID == "" {
		userID = os.Getenv("CHATSYNC_USER_ID")
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			ProfileName: profileName,
			UserID:      userID,
		}),
	)

	app.Run()
}
