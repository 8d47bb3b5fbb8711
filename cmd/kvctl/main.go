// Command kvctl is the operator tool for slot migration: it asks a source
// node to migrate a slot and reports migration status.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/urfave/cli"
)

var (
	addr    string
	dstNode string
	slot    int64
	sync    bool
)

func dial() (redis.Conn, error) {
	return redis.Dial("tcp", addr,
		redis.DialConnectTimeout(time.Second),
		redis.DialReadTimeout(5*time.Minute), // sync migrations block until done
		redis.DialWriteTimeout(time.Second))
}

func main() {
	app := cli.NewApp()
	app.Usage = "slot migration operator tool"
	app.Version = "v0.1.0"
	migrate := cli.Command{
		Name:      "migrate",
		ShortName: "m",
		Usage:     "migrate one slot to the destination node",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:        "addr,a",
				Usage:       "source node address",
				Destination: &addr,
			},
			cli.Int64Flag{
				Name:        "slot,s",
				Usage:       "slot to migrate",
				Value:       -1,
				Destination: &slot,
			},
			cli.StringFlag{
				Name:        "dst,d",
				Usage:       "destination node id",
				Destination: &dstNode,
			},
			cli.BoolFlag{
				Name:        "sync",
				Usage:       "wait until the migration terminates",
				Destination: &sync,
			},
		},
		Action: func(c *cli.Context) error {
			if addr == "" || dstNode == "" || slot < 0 {
				cli.ShowCommandHelp(c, "migrate")
				return cli.NewExitError("addr, slot and dst are required", 1)
			}
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()
			args := []interface{}{"MIGRATE", slot, dstNode}
			if sync {
				args = append(args, "sync")
			}
			reply, err := redis.String(conn.Do("CLUSTERX", args...))
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
	status := cli.Command{
		Name:      "status",
		ShortName: "st",
		Usage:     "show migration status of the source node",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:        "addr,a",
				Usage:       "source node address",
				Destination: &addr,
			},
		},
		Action: func(c *cli.Context) error {
			if addr == "" {
				cli.ShowCommandHelp(c, "status")
				return cli.NewExitError("addr is required", 1)
			}
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()
			info, err := redis.String(conn.Do("CLUSTERX", "MIGRATE", "status"))
			if err != nil {
				return err
			}
			fmt.Print(info)
			return nil
		},
	}
	app.Commands = []cli.Command{migrate, status}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
