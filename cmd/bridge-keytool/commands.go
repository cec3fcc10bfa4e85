package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"
	"lukechampine.com/frand"

	"nostr-bridge/internal/nips"
	"nostr-bridge/internal/nostr"
	"nostr-bridge/internal/vault"
)

var masterKey = &cli.Command{
	Name:  "masterkey",
	Usage: "prints a new random master key for NOSTR_MASTER_KEY",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "base64",
			Usage: "print standard base64 instead of hex",
		},
	},
	Action: func(c *cli.Context) error {
		key := frand.Bytes(32)
		if c.Bool("base64") {
			fmt.Fprintln(c.App.Writer, base64.StdEncoding.EncodeToString(key))
			return nil
		}
		fmt.Fprintln(c.App.Writer, hex.EncodeToString(key))
		return nil
	},
}

type keypairOutput struct {
	PubKey     string `json:"pubkey"`
	Npub       string `json:"npub"`
	PrivateKey string `json:"private_key,omitempty"`
	Nsec       string `json:"nsec,omitempty"`
}

var generate = &cli.Command{
	Name:  "genkey",
	Usage: "generates a plaintext keypair (for tests and relay operators)",
	Action: func(c *cli.Context) error {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return err
		}
		defer priv.Zero()

		privHex := hex.EncodeToString(priv.Serialize())
		out := keypairOutput{PubKey: nostr.PublicKeyHex(priv), PrivateKey: privHex}
		if out.Npub, err = nips.EncodePubkey(out.PubKey); err != nil {
			return err
		}
		if out.Nsec, err = nips.EncodeHex(nips.HRPPrivateKey, privHex); err != nil {
			return err
		}
		return printJSON(c.App.Writer, out)
	},
}

type identityOutput struct {
	UserID              int64  `json:"user_id"`
	PubKey              string `json:"pubkey"`
	Npub                string `json:"npub"`
	EncryptedPrivateKey string `json:"encrypted_private_key"`
	IV                  string `json:"iv"`
	KeyVersion          int    `json:"key_version"`
}

var identity = &cli.Command{
	Name:  "identity",
	Usage: "generates an encrypted identity row for a user",
	Description: `The private key is encrypted under the master key and never printed.
		bridge-keytool identity --user-id 42`,
	Flags: []cli.Flag{
		&cli.Int64Flag{
			Name:     "user-id",
			Usage:    "local user id the identity belongs to",
			Required: true,
		},
		&cli.StringFlag{
			Name:    "master-key",
			Usage:   "master key as 64 hex chars or base64",
			EnvVars: []string{"NOSTR_MASTER_KEY"},
		},
	},
	Action: func(c *cli.Context) error {
		v, err := vault.New(c.String("master-key"))
		if errors.Is(err, vault.ErrNotConfigured) {
			return errors.New("master key required: pass --master-key or set NOSTR_MASTER_KEY")
		}
		if err != nil {
			return err
		}
		id, err := v.GenerateKeypair(c.Int64("user-id"))
		if err != nil {
			return err
		}
		npub, err := nips.EncodePubkey(id.PubKey)
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, identityOutput{
			UserID:              id.UserID,
			PubKey:              id.PubKey,
			Npub:                npub,
			EncryptedPrivateKey: base64.StdEncoding.EncodeToString(id.EncryptedPrivateKey),
			IV:                  base64.StdEncoding.EncodeToString(id.IV),
			KeyVersion:          id.KeyVersion,
		})
	},
}

type decodeOutput struct {
	Type   string `json:"type"`
	Hex    string `json:"hex"`
	PubKey string `json:"pubkey,omitempty"`
	Npub   string `json:"npub,omitempty"`
}

var decode = &cli.Command{
	Name:      "decode",
	Usage:     "decodes npub, nsec and note entities, or encodes a hex pubkey",
	ArgsUsage: "<npub | nsec | note | hex>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return errors.New("expected exactly one argument")
		}
		out, err := decodeEntity(c.Args().First())
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, out)
	},
}

func decodeEntity(input string) (decodeOutput, error) {
	input = strings.TrimPrefix(strings.TrimSpace(input), "nostr:")
	switch {
	case strings.HasPrefix(input, nips.HRPPublicKey+"1"):
		h, err := nips.DecodePubkey(input)
		return decodeOutput{Type: "pubkey", Hex: h}, err

	case strings.HasPrefix(input, nips.HRPPrivateKey+"1"):
		h, err := nips.DecodePrivateKey(input)
		if err != nil {
			return decodeOutput{}, err
		}
		raw, err := hex.DecodeString(h)
		if err != nil {
			return decodeOutput{}, err
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		defer priv.Zero()
		pub := nostr.PublicKeyHex(priv)
		npub, err := nips.EncodePubkey(pub)
		return decodeOutput{Type: "private_key", Hex: h, PubKey: pub, Npub: npub}, err

	case strings.HasPrefix(input, nips.HRPNote+"1"):
		h, err := nips.DecodeHex(nips.HRPNote, input)
		return decodeOutput{Type: "event_id", Hex: h}, err

	case nostr.IsHex64(strings.ToLower(input)):
		h := strings.ToLower(input)
		npub, err := nips.EncodePubkey(h)
		return decodeOutput{Type: "hex", Hex: h, Npub: npub}, err

	default:
		return decodeOutput{}, fmt.Errorf("couldn't decode input %q", input)
	}
}

var qr = &cli.Command{
	Name:      "qr",
	Usage:     "renders an npub as a QR code",
	ArgsUsage: "<npub | hex pubkey>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "out",
			Aliases: []string{"o"},
			Usage:   "write a PNG to this path instead of printing to the terminal",
		},
		&cli.IntFlag{
			Name:  "size",
			Value: 256,
			Usage: "PNG size in pixels",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return errors.New("expected exactly one argument")
		}
		npub, err := toNpub(c.Args().First())
		if err != nil {
			return err
		}
		if path := c.String("out"); path != "" {
			return qrcode.WriteFile("nostr:"+npub, qrcode.Medium, c.Int("size"), path)
		}
		code, err := qrcode.New("nostr:"+npub, qrcode.Medium)
		if err != nil {
			return err
		}
		fmt.Fprint(c.App.Writer, code.ToSmallString(false))
		fmt.Fprintln(c.App.Writer, npub)
		return nil
	},
}

func toNpub(input string) (string, error) {
	out, err := decodeEntity(input)
	if err != nil {
		return "", err
	}
	if out.Type != "pubkey" && out.Type != "hex" {
		return "", fmt.Errorf("%s is not a public key", out.Type)
	}
	return nips.EncodePubkey(out.Hex)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
