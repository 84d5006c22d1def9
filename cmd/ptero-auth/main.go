// Command ptero-auth runs the ptero OAuth2/OpenID Connect authorization server
// and its administrative tasks.
package main

import (
	"context"
	"os"
)

func main() {
	os.Exit(submain(context.Background()))
}
