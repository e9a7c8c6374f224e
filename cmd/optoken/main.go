// Command optoken mints an operator JWT for the /v1/admin API.
//
//	optoken -sub alice -ttl 120
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/iliyamo/qr-claim/internal/config"
	"github.com/iliyamo/qr-claim/internal/utils"
)

func main() {
	secret, ttl := config.TokenSettings()
	sub := flag.String("sub", "", "operator identifier recorded in the sub claim")
	flag.IntVar(&ttl, "ttl", ttl, "token lifetime in minutes")
	flag.Parse()
	if *sub == "" {
		flag.Usage()
		os.Exit(2)
	}
	tok, err := utils.NewAccessToken(secret, *sub, utils.RoleOperator, ttl)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	fmt.Println(tok.Token)
	fmt.Fprintf(os.Stderr, "expires %s\n", tok.Exp.Format("2006-01-02 15:04:05 MST"))
}
