package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli"

	"github.com/spacemeshos/nameserver/cmd/registercli/client"
)

func register(server, serviceID, address string, retries int, out string) error {
	cl, err := client.New(server, client.WithRetries(retries))
	if err != nil {
		return err
	}
	parent, err := cl.Register(context.Background(), address, serviceID)
	if err != nil {
		return fmt.Errorf("registering %s: %w", address, err)
	}
	if out != "" {
		if err := persist(out, assignment{Address: address, ServiceID: serviceID, Parent: parent}); err != nil {
			return err
		}
	}
	if parent == nil {
		fmt.Println("root")
		return nil
	}
	fmt.Printf("parent: %s (%s)\n", parent.URL, parent.ServiceID)
	return nil
}

func main() {
	app := &cli.App{
		Name:  "registercli",
		Usage: "register a node with a nameserver",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "server", Value: "http://localhost:8080", Usage: "nameserver address"},
			cli.StringFlag{Name: "service-id", Usage: "service identifier of the registering node"},
			cli.IntFlag{Name: "retries", Value: 4, Usage: "how many times to retry a failed registration"},
		},
		Commands: []cli.Command{
			{
				Name:      "register",
				ArgsUsage: "<address>",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "out", Usage: "write the assigned parent to this file as JSON"},
				},
				Action: func(cCtx *cli.Context) error {
					address := cCtx.Args().First()
					if address == "" {
						return fmt.Errorf("missing address")
					}
					return register(
						cCtx.GlobalString("server"),
						cCtx.GlobalString("service-id"),
						address,
						cCtx.GlobalInt("retries"),
						cCtx.String("out"),
					)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
