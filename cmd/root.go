////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package cmd initializes the CLI and config parameters, and starts the chat
// engine.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"github.com/theabhipatel/setu-chat-app/bus"
	"github.com/theabhipatel/setu-chat-app/chat"
	"github.com/theabhipatel/setu-chat-app/presence"
	"github.com/theabhipatel/setu-chat-app/storage/memstore"
	"github.com/theabhipatel/setu-chat-app/storage/postgres"
	"github.com/theabhipatel/setu-chat-app/storage/redisstore"
)

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once
// to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "setu",
	Short: "Runs the Setu realtime chat engine",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		initLog(viper.GetUint("logLevel"), viper.GetString("log"))

		ctx := context.Background()

		session, heartbeat, cleanup := initSession(ctx)
		defer cleanup()
		defer heartbeat.Stop()
		defer session.Close()

		if conversationID := viper.GetString("open"); conversationID != "" {
			if err := session.OpenConversation(ctx, conversationID); err != nil {
				jww.FATAL.Panicf("Failed to open conversation %q: %+v",
					conversationID, err)
			}
			if message := viper.GetString("message"); message != "" {
				msg, err := session.Send(ctx, message, chat.Text, nil, "")
				if err != nil {
					jww.FATAL.Panicf("Failed to send message: %+v", err)
				}
				jww.INFO.Printf("Sent message %s", msg.ID)
				return
			}
		}

		// Run until interrupted.
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		received := <-sig
		jww.INFO.Printf("Received %s, shutting down", received)
	},
}

// initSession wires the transport, persistence, and presence layers into a
// started session for the configured user. The returned cleanup closes
// everything initSession opened.
func initSession(ctx context.Context) (
	*chat.Session, *presence.Heartbeat, func()) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var transport bus.Bus
	if natsURL := viper.GetString("nats"); natsURL != "" {
		natsBus, err := bus.ConnectNATS(natsURL)
		if err != nil {
			jww.FATAL.Panicf("Failed to connect to NATS: %+v", err)
		}
		closers = append(closers, func() {
			if err := natsBus.Close(); err != nil {
				jww.WARN.Printf("Failed to close NATS: %+v", err)
			}
		})
		transport = natsBus
	} else {
		jww.INFO.Printf("No NATS URL configured; using the in-process bus")
		transport = bus.NewMemory()
	}

	var db interface {
		chat.Persistence
		chat.Identity
	}
	if dsn := viper.GetString("db"); dsn != "" {
		pg, err := postgres.Connect(ctx, dsn, transport)
		if err != nil {
			jww.FATAL.Panicf("Failed to connect to postgres: %+v", err)
		}
		if err = pg.Migrate(ctx); err != nil {
			jww.FATAL.Panicf("Failed to migrate: %+v", err)
		}
		closers = append(closers, pg.Close)
		db = pg
	} else {
		jww.INFO.Printf("No postgres DSN configured; using the in-memory store")
		db = memstore.New(transport)
	}

	userID := viper.GetString("user")
	if userID == "" {
		jww.FATAL.Panicf("A user ID is required; pass --user")
	}
	self, err := db.GetProfile(ctx, userID)
	if err != nil {
		jww.FATAL.Panicf("Failed to load profile for %q: %+v", userID, err)
	}

	var statusWriter presence.StatusWriter
	if redisAddr := viper.GetString("redis"); redisAddr != "" {
		rs, err := redisstore.Connect(ctx, redisAddr,
			viper.GetString("redisPassword"), viper.GetInt("redisDB"))
		if err != nil {
			jww.FATAL.Panicf("Failed to connect to redis: %+v", err)
		}
		closers = append(closers, func() {
			if err := rs.Close(); err != nil {
				jww.WARN.Printf("Failed to close redis: %+v", err)
			}
		})
		statusWriter = rs
	} else if sw, ok := db.(presence.StatusWriter); ok {
		statusWriter = sw
	}

	session := chat.NewSession(self, db, db, transport)
	if err = session.Start(ctx); err != nil {
		jww.FATAL.Panicf("Failed to start session: %+v", err)
	}

	heartbeat := presence.NewHeartbeat(statusWriter, userID)
	return session, heartbeat, cleanup
}

func initLog(threshold uint, logPath string) {
	if logPath != "-" && logPath != "" {
		// Disable stdout output
		jww.SetStdoutOutput(io.Discard)
		// Use log file
		logOutput, err := os.OpenFile(logPath,
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic(err.Error())
		}
		jww.SetLogOutput(logOutput)
	}

	if threshold > 1 {
		jww.INFO.Printf("log level set to: TRACE")
		jww.SetStdoutThreshold(jww.LevelTrace)
		jww.SetLogThreshold(jww.LevelTrace)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else if threshold == 1 {
		jww.INFO.Printf("log level set to: DEBUG")
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetLogThreshold(jww.LevelDebug)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else {
		jww.INFO.Printf("log level set to: INFO")
		jww.SetStdoutThreshold(jww.LevelInfo)
		jww.SetLogThreshold(jww.LevelInfo)
	}
}

func initConfig() {
	cfgFile := viper.GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Printf("Could not read config file %q: %+v\n", cfgFile, err)
			os.Exit(1)
		}
	}
}

// init is the initialization function for Cobra which defines commands
// and flags.
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "",
		"Path to a viper config file")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.PersistentFlags().UintP("logLevel", "v", 0,
		"Verbosity level for log printing (2 = TRACE, 1 = DEBUG, 0 = INFO)")
	viper.BindPFlag("logLevel", rootCmd.PersistentFlags().Lookup("logLevel"))

	rootCmd.PersistentFlags().StringP("log", "l", "-",
		"Path to the log output path (- is stdout)")
	viper.BindPFlag("log", rootCmd.PersistentFlags().Lookup("log"))

	rootCmd.PersistentFlags().StringP("user", "u", "",
		"ID of the local user")
	viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))

	rootCmd.PersistentFlags().String("nats", "",
		"NATS server URL; empty runs the in-process bus")
	viper.BindPFlag("nats", rootCmd.PersistentFlags().Lookup("nats"))

	rootCmd.PersistentFlags().String("db", "",
		"Postgres DSN; empty runs the in-memory store")
	viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))

	rootCmd.PersistentFlags().String("redis", "",
		"Redis address for presence; empty keeps presence in the store")
	viper.BindPFlag("redis", rootCmd.PersistentFlags().Lookup("redis"))

	rootCmd.PersistentFlags().String("redisPassword", "",
		"Redis password")
	viper.BindPFlag("redisPassword",
		rootCmd.PersistentFlags().Lookup("redisPassword"))

	rootCmd.PersistentFlags().Int("redisDB", 0,
		"Redis database index")
	viper.BindPFlag("redisDB", rootCmd.PersistentFlags().Lookup("redisDB"))

	rootCmd.Flags().String("open", "",
		"ID of a conversation to open on startup")
	viper.BindPFlag("open", rootCmd.Flags().Lookup("open"))

	rootCmd.Flags().StringP("message", "m", "",
		"Message to send to the opened conversation; the engine exits after")
	viper.BindPFlag("message", rootCmd.Flags().Lookup("message"))
}
