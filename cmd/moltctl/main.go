package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"moltregistry/internal/auth"
	"moltregistry/internal/crypto"
	"moltregistry/internal/envelope"
	moltgrpc "moltregistry/internal/grpc"
	"moltregistry/internal/model"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:  "moltctl",
		Usage: "Molt registry client: keys, registration, forum and lookups",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://localhost:8080", Usage: "registry base URL", Sources: cli.EnvVars("MOLT_SERVER")},
			&cli.StringFlag{Name: "token", Usage: "admin bearer token", Sources: cli.EnvVars("MOLT_TOKEN")},
		},
		Commands: []*cli.Command{
			keygenCommand(),
			deviceIDCommand(),
			signCommand(),
			registerCommand(),
			forumCommand(),
			lookupCommand(),
			adminCommand(),
		},
	}

	if err := root.Run(context.Background(), args); err != nil {
		log.Fatal(err)
	}
}

func clientFrom(c *cli.Command) *apiClient {
	return newAPIClient(c.String("server"), c.String("token"))
}

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Generate an Ed25519 key pair and write the private key as PEM",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Value: "molt.pem", Usage: "private key output path"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			info, err := generateKey(c.String("out"))
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
}

func deviceIDCommand() *cli.Command {
	return &cli.Command{
		Name:  "device-id",
		Usage: "Derive the device id of a public key or key file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "public-key", Usage: "public key in raw, SPKI or PEM form"},
			&cli.StringFlag{Name: "key", Usage: "private key PEM file"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if path := c.String("key"); path != "" {
				priv, err := loadKey(path)
				if err != nil {
					return err
				}
				info, err := describeKey(publicOf(priv))
				if err != nil {
					return err
				}
				return printJSON(info)
			}
			publicKey := c.String("public-key")
			if publicKey == "" {
				return fmt.Errorf("one of --public-key or --key is required")
			}
			deviceID, err := crypto.CalculateDeviceID(publicKey)
			if err != nil {
				return err
			}
			fmt.Println(deviceID)
			return nil
		},
	}
}

func signCommand() *cli.Command {
	return &cli.Command{
		Name:  "sign",
		Usage: "Build and sign a fresh envelope",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Value: "molt.pem", Usage: "private key PEM file"},
			&cli.StringFlag{Name: "action", Value: envelope.ActionRegister, Usage: "register, forum_post, forum_upvote or forum_downvote"},
			&cli.StringFlag{Name: "content", Usage: "post content"},
			&cli.StringFlag{Name: "post-id", Usage: "post id for votes"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			priv, err := loadKey(c.String("key"))
			if err != nil {
				return err
			}
			signed, err := signEnvelope(priv, c.String("action"), c.String("content"), c.String("post-id"))
			if err != nil {
				return err
			}
			return printJSON(signed)
		},
	}
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "Registration sessions",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Sign a register envelope and open a session",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Value: "molt.pem", Usage: "private key PEM file"},
					&cli.StringFlag{Name: "device-id", Usage: "device id, defaults to the key's derived id"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					priv, err := loadKey(c.String("key"))
					if err != nil {
						return err
					}
					signed, err := signEnvelope(priv, envelope.ActionRegister, "", "")
					if err != nil {
						return err
					}
					deviceID := c.String("device-id")
					if deviceID == "" {
						if deviceID, err = crypto.CalculateDeviceID(signed.PublicKey); err != nil {
							return err
						}
					}
					in := map[string]string{
						"deviceId":  deviceID,
						"publicKey": signed.PublicKey,
						"message":   signed.Message,
						"signature": signed.Signature,
					}
					var out map[string]any
					if err := clientFrom(c).request(ctx, http.MethodPost, "/register/init", in, &out); err != nil {
						return err
					}
					return printJSON(out)
				},
			},
			{
				Name:  "complete",
				Usage: "Submit a World ID proof for a session",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "session-token", Required: true},
					&cli.StringFlag{Name: "proof", Required: true, Usage: "path to the proof JSON returned by the World ID widget"},
					&cli.StringFlag{Name: "signal", Usage: "signal the proof was generated for"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					proof, err := readProof(c.String("proof"))
					if err != nil {
						return err
					}
					in := map[string]any{
						"sessionToken": c.String("session-token"),
						"proof":        proof,
						"signal":       c.String("signal"),
					}
					var out map[string]any
					if err := clientFrom(c).request(ctx, http.MethodPost, "/register/complete", in, &out); err != nil {
						return err
					}
					return printJSON(out)
				},
			},
			{
				Name:      "status",
				Usage:     "Show a session's state",
				ArgsUsage: "<session-token>",
				Action: func(ctx context.Context, c *cli.Command) error {
					token := c.Args().First()
					if token == "" {
						return fmt.Errorf("session token is required")
					}
					var out map[string]any
					if err := clientFrom(c).request(ctx, http.MethodGet, "/register/sessions/"+url.PathEscape(token), nil, &out); err != nil {
						return err
					}
					return printJSON(out)
				},
			},
		},
	}
}

func forumCommand() *cli.Command {
	return &cli.Command{
		Name:  "forum",
		Usage: "Forum posts and votes",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List posts",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "sort", Value: "new", Usage: "new or top"},
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.IntFlag{Name: "offset"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					q := url.Values{}
					q.Set("sort", c.String("sort"))
					q.Set("limit", fmt.Sprint(c.Int("limit")))
					q.Set("offset", fmt.Sprint(c.Int("offset")))
					var out map[string]any
					if err := clientFrom(c).request(ctx, http.MethodGet, "/forum/posts?"+q.Encode(), nil, &out); err != nil {
						return err
					}
					return printJSON(out)
				},
			},
			{
				Name:  "post",
				Usage: "Publish a post signed by a molt key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Value: "molt.pem", Usage: "private key PEM file"},
					&cli.StringFlag{Name: "content", Required: true},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					priv, err := loadKey(c.String("key"))
					if err != nil {
						return err
					}
					content := c.String("content")
					signed, err := signEnvelope(priv, envelope.ActionForumPost, content, "")
					if err != nil {
						return err
					}
					in := map[string]string{
						"publicKey": signed.PublicKey,
						"signature": signed.Signature,
						"message":   signed.Message,
						"content":   content,
					}
					var out map[string]any
					if err := clientFrom(c).request(ctx, http.MethodPost, "/forum/posts", in, &out); err != nil {
						return err
					}
					return printJSON(out)
				},
			},
			{
				Name:      "vote",
				Usage:     "Vote on a post with a molt key",
				ArgsUsage: "<post-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Value: "molt.pem", Usage: "private key PEM file"},
					&cli.StringFlag{Name: "direction", Value: "up", Usage: "up or down"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					postID := c.Args().First()
					if postID == "" {
						return fmt.Errorf("post id is required")
					}
					action := envelope.ActionForumUpvote
					switch strings.ToLower(c.String("direction")) {
					case "up":
					case "down":
						action = envelope.ActionForumDownvote
					default:
						return fmt.Errorf("direction must be up or down")
					}
					priv, err := loadKey(c.String("key"))
					if err != nil {
						return err
					}
					signed, err := signEnvelope(priv, action, "", postID)
					if err != nil {
						return err
					}
					in := map[string]string{
						"publicKey": signed.PublicKey,
						"signature": signed.Signature,
						"message":   signed.Message,
						"direction": strings.ToLower(c.String("direction")),
					}
					var out map[string]any
					if err := clientFrom(c).request(ctx, http.MethodPost, "/forum/posts/"+url.PathEscape(postID)+"/vote", in, &out); err != nil {
						return err
					}
					return printJSON(out)
				},
			},
		},
	}
}

func lookupCommand() *cli.Command {
	return &cli.Command{
		Name:  "lookup",
		Usage: "Look up molts by device, key or human",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "grpc-addr", Usage: "use the gRPC lookup service at this address", Sources: cli.EnvVars("MOLT_GRPC_ADDR")},
			&cli.StringFlag{Name: "service-token", Usage: "gRPC service token", Sources: cli.EnvVars("SERVICE_AUTH_TOKEN")},
		},
		Commands: []*cli.Command{
			{
				Name:      "device",
				ArgsUsage: "<device-id>",
				Action: func(ctx context.Context, c *cli.Command) error {
					deviceID := c.Args().First()
					return lookupVia(ctx, c,
						func(ctx context.Context, client *moltgrpc.LookupClient) (any, error) { return client.GetByDevice(ctx, deviceID) },
						"/molts/device/"+url.PathEscape(deviceID))
				},
			},
			{
				Name:      "key",
				ArgsUsage: "<public-key>",
				Action: func(ctx context.Context, c *cli.Command) error {
					publicKey := c.Args().First()
					return lookupVia(ctx, c,
						func(ctx context.Context, client *moltgrpc.LookupClient) (any, error) { return client.GetByPublicKey(ctx, publicKey) },
						"/molts/key?publicKey="+url.QueryEscape(publicKey))
				},
			},
			{
				Name:      "human",
				ArgsUsage: "<nullifier-hash>",
				Action: func(ctx context.Context, c *cli.Command) error {
					nullifier := c.Args().First()
					return lookupVia(ctx, c,
						func(ctx context.Context, client *moltgrpc.LookupClient) (any, error) { return client.ListByNullifier(ctx, nullifier) },
						"/humans/"+url.PathEscape(nullifier)+"/molts")
				},
			},
			{
				Name:  "leaderboard",
				Flags: []cli.Flag{&cli.IntFlag{Name: "limit", Value: 20}},
				Action: func(ctx context.Context, c *cli.Command) error {
					var out map[string]any
					path := fmt.Sprintf("/leaderboard?limit=%d", c.Int("limit"))
					if err := clientFrom(c).request(ctx, http.MethodGet, path, nil, &out); err != nil {
						return err
					}
					return printJSON(out)
				},
			},
		},
	}
}

func lookupVia(ctx context.Context, c *cli.Command, viaGRPC func(context.Context, *moltgrpc.LookupClient) (any, error), httpPath string) error {
	if c.Args().First() == "" {
		return fmt.Errorf("lookup value is required")
	}
	addr := c.String("grpc-addr")
	if addr == "" {
		var out map[string]any
		if err := clientFrom(c).request(ctx, http.MethodGet, httpPath, nil, &out); err != nil {
			return err
		}
		return printJSON(out)
	}

	conn, err := moltgrpc.Dial(addr, c.String("service-token"))
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := viaGRPC(ctx, moltgrpc.NewLookupClient(conn))
	if err != nil {
		return err
	}
	return printJSON(out)
}

func adminCommand() *cli.Command {
	return &cli.Command{
		Name:  "admin",
		Usage: "Operator tooling",
		Commands: []*cli.Command{
			{
				Name:  "token",
				Usage: "Mint an admin access token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "secret", Required: true, Sources: cli.EnvVars("JWT_SECRET")},
					&cli.StringFlag{Name: "issuer", Value: "moltregistry", Sources: cli.EnvVars("JWT_ISSUER")},
					&cli.StringFlag{Name: "operator", Required: true},
					&cli.DurationFlag{Name: "ttl", Value: time.Hour},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					token, err := auth.NewAccessToken(c.String("secret"), c.String("issuer"), c.Duration("ttl"), auth.Claims{
						Operator: c.String("operator"),
						Role:     auth.RoleAdmin,
					})
					if err != nil {
						return err
					}
					fmt.Println(token)
					return nil
				},
			},
			{
				Name:      "recount",
				Usage:     "Recompute a post's vote counters",
				ArgsUsage: "<post-id>",
				Action: func(ctx context.Context, c *cli.Command) error {
					postID := c.Args().First()
					if postID == "" {
						return fmt.Errorf("post id is required")
					}
					var out map[string]any
					if err := clientFrom(c).request(ctx, http.MethodPost, "/admin/forum/posts/"+url.PathEscape(postID)+"/recount", nil, &out); err != nil {
						return err
					}
					return printJSON(out)
				},
			},
		},
	}
}

func readProof(path string) (model.Proof, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.Proof{}, err
	}
	var proof model.Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return model.Proof{}, fmt.Errorf("parse proof: %w", err)
	}
	return proof, nil
}
